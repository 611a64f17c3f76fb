package parser

import (
	"strings"

	"github.com/aluiziolira/go-market-watch/models"
)

// SessionCompromisedMarker appears in the detail ret codes when the site wants
// the user to re-validate the session.
const SessionCompromisedMarker = "FAIL_SYS_USER_VALIDATE"

// ValidationFailure returns the ret entry carrying the anti-automation
// validation signal, or "" when the payload is clean.
func ValidationFailure(body []byte) string {
	root, err := parse(body)
	if err != nil {
		return ""
	}
	for _, ret := range root.Get("ret").Array() {
		if strings.Contains(ret.String(), SessionCompromisedMarker) {
			return ret.String()
		}
	}
	return ""
}

// RetMessages joins the ret status entries of an API payload. Healthy
// responses carry a single SUCCESS entry.
func RetMessages(body []byte) string {
	root, err := parse(body)
	if err != nil {
		return ""
	}
	var msgs []string
	for _, ret := range root.Get("ret").Array() {
		msgs = append(msgs, ret.String())
	}
	return strings.Join(msgs, "; ")
}

// ApplyDetail enriches listing in place with the item detail payload and
// returns the seller facts it carries.
func ApplyDetail(body []byte, listing *models.Listing) (models.SellerDetail, error) {
	root, err := parse(body)
	if err != nil {
		return models.SellerDetail{}, err
	}
	item := root.Get("data.itemDO")
	seller := root.Get("data.sellerDO")

	if n := intOf(item.Get("wantCnt")); n > 0 {
		listing.WantCount = n
	}
	listing.ViewCount = intOf(item.Get("browseCnt"))

	var images []string
	for _, img := range item.Get("imageInfos").Array() {
		if u := img.Get("url").String(); u != "" {
			images = append(images, u)
		}
	}
	if len(images) > 0 {
		listing.ImageURLs = images
	}

	detail := models.SellerDetail{
		SellerID:     seller.Get("sellerId").String(),
		RegisterDays: intOf(seller.Get("userRegDays")),
		Credit:       seller.Get("zhimaLevelInfo.levelName").String(),
	}
	if detail.SellerID != "" {
		listing.SellerID = detail.SellerID
	}
	return detail, nil
}
