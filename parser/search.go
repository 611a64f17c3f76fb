package parser

import (
	"strings"
	"time"

	"github.com/aluiziolira/go-market-watch/models"
	"github.com/tidwall/gjson"
)

// ParseSearchResults extracts listings from a search API payload. Entries
// without an item id or link are skipped.
func ParseSearchResults(body []byte) ([]models.Listing, error) {
	root, err := parse(body)
	if err != nil {
		return nil, err
	}

	var listings []models.Listing
	for _, entry := range root.Get("data.resultList").Array() {
		main := entry.Get("data.item.main")
		content := main.Get("exContent")
		args := main.Get("clickParam.args")

		listing := models.Listing{
			ItemID:        content.Get("itemId").String(),
			Title:         strings.TrimSpace(content.Get("title").String()),
			Link:          NormalizeLink(main.Get("targetUrl").String()),
			Price:         joinPrice(content.Get("price")),
			OriginalPrice: NormalizePrice(content.Get("oriPrice").String()),
			Area:          content.Get("area").String(),
			SellerNick:    content.Get("userNickName").String(),
			MainImage:     content.Get("picUrl").String(),
			WantCount:     intOf(args.Get("wantNum")),
		}
		if listing.ItemID == "" {
			listing.ItemID = args.Get("item_id").String()
		}
		if listing.ItemID == "" || listing.Link == "" {
			continue
		}
		if ms := args.Get("publishTime").Int(); ms > 0 {
			listing.PublishedAt = time.UnixMilli(ms).UTC()
		}
		if args.Get("tag").String() == "freeship" {
			listing.Tags = append(listing.Tags, "包邮")
		}
		for _, tag := range content.Get("fishTags.r1.tagList").Array() {
			if text := tag.Get("data.content").String(); text != "" {
				listing.Tags = append(listing.Tags, text)
			}
		}
		if listing.MainImage != "" {
			listing.ImageURLs = []string{listing.MainImage}
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func joinPrice(price gjson.Result) string {
	if !price.IsArray() {
		return NormalizePrice(price.String())
	}
	var sb strings.Builder
	for _, part := range price.Array() {
		sb.WriteString(part.Get("text").String())
	}
	return NormalizePrice(sb.String())
}
