// Package models defines data structures shared across the crawler.
package models

import "time"

// Task describes one monitoring job. It is immutable for the duration of a run.
type Task struct {
	TaskName     string   `json:"task_name" mapstructure:"task_name"`
	Enabled      bool     `json:"enabled" mapstructure:"enabled"`
	Keyword      string   `json:"keyword" mapstructure:"keyword"`
	MaxPages     int      `json:"max_pages" mapstructure:"max_pages"`
	PersonalOnly bool     `json:"personal_only" mapstructure:"personal_only"`
	MinPrice     string   `json:"min_price,omitempty" mapstructure:"min_price"`
	MaxPrice     string   `json:"max_price,omitempty" mapstructure:"max_price"`
	Instructions string   `json:"ai_prompt_text,omitempty" mapstructure:"ai_prompt_text"`
	PromptFiles  []string `json:"prompt_files,omitempty" mapstructure:"prompt_files"`
}

// Listing is a single marketplace item captured from a search results payload
// and enriched by the detail payload.
type Listing struct {
	ItemID        string    `json:"item_id"`
	Title         string    `json:"title"`
	Link          string    `json:"link"`
	Price         string    `json:"price"`
	OriginalPrice string    `json:"original_price,omitempty"`
	Area          string    `json:"area,omitempty"`
	SellerNick    string    `json:"seller_nick,omitempty"`
	SellerID      string    `json:"seller_id,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	PublishedAt   time.Time `json:"published_at,omitempty"`
	ImageURLs     []string  `json:"image_urls,omitempty"`
	WantCount     int       `json:"want_count"`
	ViewCount     int       `json:"view_count"`
	MainImage     string    `json:"main_image,omitempty"`
}

// SellerDetail carries the seller facts found in the item detail payload.
type SellerDetail struct {
	SellerID     string `json:"seller_id"`
	RegisterDays int    `json:"register_days"`
	Credit       string `json:"credit,omitempty"`
}

// SellerProfile is assembled once per seller visit from the profile page
// responses.
type SellerProfile struct {
	SellerID        string       `json:"seller_id"`
	Nickname        string       `json:"nickname,omitempty"`
	Avatar          string       `json:"avatar,omitempty"`
	Signature       string       `json:"signature,omitempty"`
	RegistrationAge string       `json:"registration_age,omitempty"`
	Credit          string       `json:"credit,omitempty"`
	SellerCreditTag string       `json:"seller_credit_tag,omitempty"`
	BuyerCreditTag  string       `json:"buyer_credit_tag,omitempty"`
	ItemCount       int          `json:"item_count"`
	RatingCount     int          `json:"rating_count"`
	Items           []SellerItem `json:"items"`
	Ratings         []Rating     `json:"ratings"`
	Reputation      Reputation   `json:"reputation"`
	HeadCaptured    bool         `json:"head_captured"`
}

// SellerItem is one of the seller's other listings.
type SellerItem struct {
	ItemID string `json:"item_id"`
	Title  string `json:"title"`
	Price  string `json:"price"`
	Image  string `json:"image,omitempty"`
	Status string `json:"status"`
}

// Rating kinds.
const (
	RatingGood    = "good"
	RatingNeutral = "neutral"
	RatingBad     = "bad"
)

// Rating roles describe which side of the trade the profile owner was on.
const (
	RoleSeller = "seller"
	RoleBuyer  = "buyer"
)

// Rating is a single review received by the seller.
type Rating struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	RaterNick string `json:"rater_nick,omitempty"`
	Role      string `json:"role"`
	Kind      string `json:"kind"`
	Time      string `json:"time,omitempty"`
}

// Reputation aggregates ratings by role.
type Reputation struct {
	SellerPositive int    `json:"seller_positive"`
	SellerTotal    int    `json:"seller_total"`
	SellerRate     string `json:"seller_rate"`
	BuyerPositive  int    `json:"buyer_positive"`
	BuyerTotal     int    `json:"buyer_total"`
	BuyerRate      string `json:"buyer_rate"`
}

// Record is the persisted unit: one per unique item per task.
type Record struct {
	CrawledAt     time.Time      `json:"crawled_at"`
	TaskName      string         `json:"task_name"`
	Keyword       string         `json:"keyword"`
	Listing       Listing        `json:"listing"`
	Seller        *SellerProfile `json:"seller,omitempty"`
	Verdict       *Verdict       `json:"ai_analysis,omitempty"`
	AnalysisError string         `json:"ai_error,omitempty"`
}

// RunResult summarizes one task run.
type RunResult struct {
	RunID        string
	TaskName     string
	Keyword      string
	StartTime    time.Time
	EndTime      time.Time
	Processed    int
	Skipped      int
	Failed       int
	Pages        int
	Notified     int
	Stored       int
	Known        int
	FinalState   string
	AbortReason  string
	ErrorsByType map[string]int
	BlocksByKind map[string]int
}
