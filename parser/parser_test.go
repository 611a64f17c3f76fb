package parser

import (
	"errors"
	"testing"

	"github.com/aluiziolira/go-market-watch/models"
)

const searchPayload = `{
  "ret": ["SUCCESS::调用成功"],
  "data": {
    "resultList": [
      {"data": {"item": {"main": {
        "exContent": {
          "itemId": "7001",
          "title": " iPhone 13 128G ",
          "price": [{"text": "当前价"}, {"text": "2"}, {"text": "999"}],
          "picUrl": "https://img.test/1.jpg",
          "area": "上海",
          "userNickName": "alice",
          "oriPrice": "¥5999",
          "fishTags": {"r1": {"tagList": [{"data": {"content": "验货宝"}}]}}
        },
        "clickParam": {"args": {"publishTime": "1700000000000", "wantNum": "12", "tag": "freeship"}},
        "targetUrl": "fleamarket://item?id=7001&categoryId=126862528"
      }}}},
      {"data": {"item": {"main": {
        "exContent": {"title": "no id"},
        "targetUrl": ""
      }}}},
      {"data": {"item": {"main": {
        "exContent": {"itemId": "7002", "title": "iPhone 13 Pro", "price": [{"text": "1.2万"}]},
        "clickParam": {"args": {}},
        "targetUrl": "https://www.goofish.com/item?id=7002"
      }}}}
    ]
  }
}`

func TestParseSearchResults(t *testing.T) {
	listings, err := ParseSearchResults([]byte(searchPayload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("listings=%d, want 2", len(listings))
	}

	first := listings[0]
	if first.ItemID != "7001" || first.Title != "iPhone 13 128G" {
		t.Fatalf("unexpected first listing: %+v", first)
	}
	if first.Price != "2999" {
		t.Fatalf("price=%q, want 2999", first.Price)
	}
	if first.Link != "https://www.goofish.com/item?id=7001&categoryId=126862528" {
		t.Fatalf("link=%q", first.Link)
	}
	if first.WantCount != 12 || first.PublishedAt.IsZero() {
		t.Fatalf("want=%d published=%v", first.WantCount, first.PublishedAt)
	}
	if len(first.Tags) != 2 || first.Tags[0] != "包邮" {
		t.Fatalf("tags=%v", first.Tags)
	}
	if listings[1].Price != "12000" {
		t.Fatalf("price=%q, want 12000", listings[1].Price)
	}
}

func TestParseSearchResultsInvalid(t *testing.T) {
	if _, err := ParseSearchResults([]byte("<html>")); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err=%v, want ErrInvalidPayload", err)
	}
}

func TestApplyDetail(t *testing.T) {
	body := `{"ret":["SUCCESS::调用成功"],"data":{
	  "itemDO":{"wantCnt":30,"browseCnt":"410","imageInfos":[{"url":"https://img.test/a.jpg"},{"url":"https://img.test/b.heic"}]},
	  "sellerDO":{"sellerId":"s-9","userRegDays":800,"zhimaLevelInfo":{"levelName":"信用极好"}}}}`
	listing := models.Listing{ItemID: "7001", WantCount: 12}

	seller, err := ApplyDetail([]byte(body), &listing)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if listing.WantCount != 30 || listing.ViewCount != 410 || len(listing.ImageURLs) != 2 {
		t.Fatalf("listing=%+v", listing)
	}
	if seller.SellerID != "s-9" || listing.SellerID != "s-9" || seller.Credit != "信用极好" || seller.RegisterDays != 800 {
		t.Fatalf("seller=%+v", seller)
	}
}

func TestValidationFailure(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "clean", body: `{"ret":["SUCCESS::调用成功"]}`, want: false},
		{name: "validate", body: `{"ret":["FAIL_SYS_USER_VALIDATE::哎哟喂,被挤爆啦"]}`, want: true},
		{name: "garbage", body: `nope`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidationFailure([]byte(tt.body)) != ""; got != tt.want {
				t.Fatalf("ValidationFailure=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetMessages(t *testing.T) {
	body := `{"ret":["RGV587_ERROR::SM::哎哟喂,被挤爆啦,请稍后重试","FAIL"]}`
	if got := RetMessages([]byte(body)); got != "RGV587_ERROR::SM::哎哟喂,被挤爆啦,请稍后重试; FAIL" {
		t.Fatalf("RetMessages=%q", got)
	}
	if got := RetMessages([]byte("nope")); got != "" {
		t.Fatalf("RetMessages(garbage)=%q", got)
	}
}

func TestApplyUserHead(t *testing.T) {
	body := `{"data":{"module":{
	  "base":{"displayName":"bob","avatar":"https://img.test/bob.png","introduction":"hi",
	    "ylzTags":[{"text":"卖家信用极好","attributes":{"role":"seller","level":5}},{"attributes":{"role":"buyer","level":3}}]},
	  "tabs":{"item":{"number":"14"},"rate":{"number":52}}}}}`
	var profile models.SellerProfile
	if err := ApplyUserHead([]byte(body), &profile); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if profile.Nickname != "bob" || profile.ItemCount != 14 || profile.RatingCount != 52 {
		t.Fatalf("profile=%+v", profile)
	}
	if profile.SellerCreditTag != "卖家信用极好" || profile.BuyerCreditTag != "L3" || !profile.HeadCaptured {
		t.Fatalf("tags seller=%q buyer=%q", profile.SellerCreditTag, profile.BuyerCreditTag)
	}
}

func TestParseItemCardsNextPage(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantMore bool
		wantLen  int
	}{
		{name: "more", body: `{"data":{"cardList":[{"cardData":{"id":"1","title":"a","priceInfo":{"price":"10"}}}],"nextPage":true}}`, wantMore: true, wantLen: 1},
		{name: "last", body: `{"data":{"cardList":[{"cardData":{"id":"2","itemStatus":1}}],"nextPage":false}}`, wantMore: false, wantLen: 1},
		{name: "absent flag defaults to more", body: `{"data":{"cardList":[]}}`, wantMore: true, wantLen: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, more, err := ParseItemCards([]byte(tt.body))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if more != tt.wantMore || len(items) != tt.wantLen {
				t.Fatalf("more=%v len=%d", more, len(items))
			}
		})
	}
}

func TestReputation(t *testing.T) {
	body := `{"data":{"nextPage":false,"cardList":[
	  {"cardData":{"rateId":"r1","rate":1,"rateTagList":[{"text":"来自卖家"}],"feedback":"好"}},
	  {"cardData":{"rateId":"r2","rate":-1,"rateTagList":[{"text":"来自卖家"}]}},
	  {"cardData":{"rateId":"r3","rate":1,"rateTagList":[{"text":"来自买家"}]}},
	  {"cardData":{"rateId":"r4","rate":0}}
	]}}`
	ratings, more, err := ParseRatingCards([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if more || len(ratings) != 4 {
		t.Fatalf("more=%v len=%d", more, len(ratings))
	}

	rep := Reputation(ratings)
	if rep.SellerPositive != 1 || rep.SellerTotal != 2 || rep.SellerRate != "50.00%" {
		t.Fatalf("seller reputation=%+v", rep)
	}
	if rep.BuyerPositive != 1 || rep.BuyerTotal != 1 || rep.BuyerRate != "100.00%" {
		t.Fatalf("buyer reputation=%+v", rep)
	}
	if again := Reputation(ratings); again != rep {
		t.Fatalf("reputation not deterministic: %+v vs %+v", again, rep)
	}
	if empty := Reputation(nil); empty.SellerRate != "N/A" {
		t.Fatalf("empty rate=%q", empty.SellerRate)
	}
}

func TestDedupKeyIgnoresTrackingParams(t *testing.T) {
	variants := []string{
		"https://www.goofish.com/item?id=7001",
		"https://www.goofish.com/item?id=7001&categoryId=126862528",
		"https://WWW.goofish.com/item?spm=a21ybx.search.0.0&id=7001&utm_source=x",
		"https://www.goofish.com/item/?id=7001#comments",
		"fleamarket://item?id=7001&foo=bar",
	}
	want := DedupKey(variants[0])
	for _, v := range variants[1:] {
		if got := DedupKey(v); got != want {
			t.Fatalf("DedupKey(%q)=%q, want %q", v, got, want)
		}
	}
	if DedupKey("https://www.goofish.com/item?id=7002") == want {
		t.Fatalf("different items must not collide")
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: " 当前价 ¥2999 ", want: "2999"},
		{in: "1.5万", want: "15000"},
		{in: "abc", want: "abc"},
	}
	for _, tt := range tests {
		if got := NormalizePrice(tt.in); got != tt.want {
			t.Fatalf("NormalizePrice(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatRegistrationDays(t *testing.T) {
	if got := FormatRegistrationDays(800); got != "2y 2m 10d" {
		t.Fatalf("got %q", got)
	}
	if got := FormatRegistrationDays(0); got != "unknown" {
		t.Fatalf("got %q", got)
	}
}
