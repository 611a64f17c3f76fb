package parser

import (
	"fmt"
	"strings"

	"github.com/aluiziolira/go-market-watch/models"
)

// ApplyUserHead fills the head summary of a seller profile.
func ApplyUserHead(body []byte, profile *models.SellerProfile) error {
	root, err := parse(body)
	if err != nil {
		return err
	}
	module := root.Get("data.module")
	base := module.Get("base")

	profile.Nickname = base.Get("displayName").String()
	profile.Avatar = base.Get("avatar").String()
	profile.Signature = base.Get("introduction").String()
	profile.ItemCount = intOf(module.Get("tabs.item.number"))
	profile.RatingCount = intOf(module.Get("tabs.rate.number"))

	for _, tag := range base.Get("ylzTags").Array() {
		label := tag.Get("text").String()
		if label == "" {
			label = fmt.Sprintf("L%d", tag.Get("attributes.level").Int())
		}
		switch tag.Get("attributes.role").String() {
		case "seller":
			profile.SellerCreditTag = label
		case "buyer":
			profile.BuyerCreditTag = label
		}
	}
	profile.HeadCaptured = true
	return nil
}

// ParseItemCards parses one page of the seller's item list. more mirrors the
// payload's nextPage flag, which defaults to true when absent.
func ParseItemCards(body []byte) ([]models.SellerItem, bool, error) {
	root, err := parse(body)
	if err != nil {
		return nil, false, err
	}
	var items []models.SellerItem
	for _, card := range root.Get("data.cardList").Array() {
		data := card.Get("cardData")
		status := "on_sale"
		if data.Get("itemStatus").Int() != 0 {
			status = "sold"
		}
		items = append(items, models.SellerItem{
			ItemID: data.Get("id").String(),
			Title:  data.Get("title").String(),
			Price:  NormalizePrice(data.Get("priceInfo.price").String()),
			Image:  data.Get("picInfo.picUrl").String(),
			Status: status,
		})
	}
	return items, nextPage(root.Get("data.nextPage").Value()), nil
}

// ParseRatingCards parses one page of received ratings.
func ParseRatingCards(body []byte) ([]models.Rating, bool, error) {
	root, err := parse(body)
	if err != nil {
		return nil, false, err
	}
	var ratings []models.Rating
	for _, card := range root.Get("data.cardList").Array() {
		data := card.Get("cardData")
		role := ""
		if tag := data.Get("rateTagList.0.text").String(); tag != "" {
			switch {
			case strings.Contains(tag, "卖家"):
				role = models.RoleSeller
			case strings.Contains(tag, "买家"):
				role = models.RoleBuyer
			}
		}
		kind := models.RatingNeutral
		switch data.Get("rate").Int() {
		case 1:
			kind = models.RatingGood
		case -1:
			kind = models.RatingBad
		}
		ratings = append(ratings, models.Rating{
			ID:        data.Get("rateId").String(),
			Text:      data.Get("feedback").String(),
			RaterNick: data.Get("raterUserNick").String(),
			Role:      role,
			Kind:      kind,
			Time:      data.Get("gmtCreate").String(),
		})
	}
	return ratings, nextPage(root.Get("data.nextPage").Value()), nil
}

func nextPage(v any) bool {
	b, ok := v.(bool)
	if !ok {
		return true
	}
	return b
}

// Reputation derives the positive counts and rates per role from ratings.
func Reputation(ratings []models.Rating) models.Reputation {
	var rep models.Reputation
	for _, r := range ratings {
		switch r.Role {
		case models.RoleSeller:
			rep.SellerTotal++
			if r.Kind == models.RatingGood {
				rep.SellerPositive++
			}
		case models.RoleBuyer:
			rep.BuyerTotal++
			if r.Kind == models.RatingGood {
				rep.BuyerPositive++
			}
		}
	}
	rep.SellerRate = rate(rep.SellerPositive, rep.SellerTotal)
	rep.BuyerRate = rate(rep.BuyerPositive, rep.BuyerTotal)
	return rep
}

func rate(positive, total int) string {
	if total == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.2f%%", float64(positive)/float64(total)*100)
}
