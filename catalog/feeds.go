// Copyright 2021-2022 The tdstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

// Feed identifies a category of real-time data
type Feed string

// Known feeds
const (
	FeedQuote    Feed = "quote"
	FeedNews     Feed = "news"
	FeedForex    Feed = "forex"
	FeedFutures  Feed = "futures"
	FeedOption   Feed = "option"
	FeedChart    Feed = "chart"
	FeedTimeSale Feed = "timesale"
	FeedActives  Feed = "actives"
)

// CommandSubs the wire verb for establishing a subscription
const CommandSubs = "SUBS"

// Variant one accepted value of a modifier
type Variant struct {
	// Token is appended to the base service name
	Token string
	// Fields replaces the feed field schema when the variant uses a different layout
	Fields []string
	// DefaultFields replaces the feed default field indices together with Fields
	DefaultFields []int
}

// Modifier a caller supplied selector which picks the concrete wire service of a feed,
// e.g. asset class or exchange
type Modifier struct {
	// Name is the parameter name the caller supplies the value under
	Name string
	// Variants caller value to wire variant
	Variants map[string]Variant
}

// FeedDefinition static description of a feed
type FeedDefinition struct {
	Feed Feed
	// Service is the wire service name, or its base when the feed has a modifier
	Service string
	// Command is the wire command verb
	Command string
	// Fields positional schema, Fields[i] names the value at position i
	Fields []string
	// DefaultFields field indices requested when the caller names none
	DefaultFields []int
	// Modifiers which must be supplied, in service name assembly order
	Modifiers []Modifier
}

var quoteFields = []string{
	"symbol", "bid_price", "ask_price", "last_price", "bid_size", "ask_size", "ask_id", "bid_id",
	"total_volume", "last_size", "trade_time", "quote_time", "high_price", "low_price", "bid_tick",
	"close_price", "exchange_id", "marginable", "shortable", "island_bid", "island_ask",
	"island_volume", "quote_day", "trade_day", "volatility", "description", "last_id", "digits",
	"open_price", "net_change", "high_52_week", "low_52_week", "pe_ratio", "dividend_amount",
	"dividend_yield", "island_bid_size", "island_ask_size", "nav", "fund_price", "exchange_name",
	"dividend_date", "regular_market_quote", "regular_market_trade", "regular_market_last_price",
	"regular_market_last_size", "regular_market_trade_time", "regular_market_trade_day",
	"regular_market_net_change", "security_status", "mark", "quote_time_in_long",
	"trade_time_in_long", "regular_market_trade_time_in_long",
}

var newsFields = []string{
	"symbol", "error_code", "story_datetime", "headline_id", "status", "headline", "story_id",
	"count_for_keyword", "keyword_array", "is_hot", "story_source",
}

var forexFields = []string{
	"symbol", "bid_price", "ask_price", "last_price", "bid_size", "ask_size", "total_volume",
	"last_size", "quote_time", "trade_time", "high_price", "low_price", "close_price",
	"exchange_id", "description", "open_price", "net_change", "percent_change", "exchange_name",
	"digits", "security_status", "tick", "tick_amount", "product", "trading_hours",
	"is_tradable", "market_maker", "high_52_week", "low_52_week", "mark",
}

var futuresFields = []string{
	"symbol", "bid_price", "ask_price", "last_price", "bid_size", "ask_size", "ask_id", "bid_id",
	"total_volume", "last_size", "quote_time", "trade_time", "high_price", "low_price",
	"close_price", "exchange_id", "description", "last_id", "open_price", "net_change",
	"future_percent_change", "exchange_name", "security_status", "open_interest", "mark", "tick",
	"tick_amount", "product", "future_price_format", "future_trading_hours", "future_is_tradable",
	"future_multiplier", "future_is_active", "future_settlement_price", "future_active_symbol",
	"future_expiration_date",
}

var optionFields = []string{
	"symbol", "description", "bid_price", "ask_price", "last_price", "high_price", "low_price",
	"close_price", "total_volume", "open_interest", "volatility", "quote_time", "trade_time",
	"money_intrinsic_value", "quote_day", "trade_day", "expiration_year", "multiplier", "digits",
	"open_price", "bid_size", "ask_size", "last_size", "net_change", "strike_price",
	"contract_type", "underlying", "expiration_month", "deliverables", "time_value",
	"expiration_day", "days_to_expiration", "delta", "gamma", "theta", "vega", "rho",
	"security_status", "theoretical_option_value", "underlying_price", "uv_expiration_type",
	"mark",
}

var chartEquityFields = []string{
	"symbol", "open_price", "high_price", "low_price", "close_price", "volume", "sequence",
	"chart_time", "chart_day",
}

var chartFuturesFields = []string{
	"symbol", "chart_time", "open_price", "high_price", "low_price", "close_price", "volume",
}

var timeSaleFields = []string{
	"symbol", "trade_time", "last_price", "last_size", "last_sequence",
}

var activesFields = []string{
	"key", "data",
}

// definitions the static feed table
var definitions = map[Feed]FeedDefinition{
	FeedQuote: {
		Feed:          FeedQuote,
		Service:       "QUOTE",
		Command:       CommandSubs,
		Fields:        quoteFields,
		DefaultFields: []int{0, 1, 2, 3, 8},
	},
	FeedNews: {
		Feed:          FeedNews,
		Service:       "NEWS_HEADLINES",
		Command:       CommandSubs,
		Fields:        newsFields,
		DefaultFields: []int{0, 3, 4, 5, 8},
	},
	FeedForex: {
		Feed:          FeedForex,
		Service:       "LEVELONE_FOREX",
		Command:       CommandSubs,
		Fields:        forexFields,
		DefaultFields: []int{0, 1, 2, 3, 4, 5, 6},
	},
	FeedFutures: {
		Feed:          FeedFutures,
		Service:       "LEVELONE_FUTURES",
		Command:       CommandSubs,
		Fields:        futuresFields,
		DefaultFields: []int{0, 1, 2, 3, 4, 5, 8},
	},
	FeedOption: {
		Feed:          FeedOption,
		Service:       "OPTION",
		Command:       CommandSubs,
		Fields:        optionFields,
		DefaultFields: []int{0, 2, 3, 4, 8, 9},
	},
	FeedChart: {
		Feed:          FeedChart,
		Service:       "CHART",
		Command:       CommandSubs,
		Fields:        chartEquityFields,
		DefaultFields: []int{0, 1, 2, 3, 4, 5, 6, 7, 8},
		Modifiers: []Modifier{
			{
				Name: "type",
				Variants: map[string]Variant{
					"equity":  {Token: "EQUITY"},
					"futures": {
						Token:         "FUTURES",
						Fields:        chartFuturesFields,
						DefaultFields: []int{0, 1, 2, 3, 4, 5, 6},
					},
				},
			},
		},
	},
	FeedTimeSale: {
		Feed:          FeedTimeSale,
		Service:       "TIMESALE",
		Command:       CommandSubs,
		Fields:        timeSaleFields,
		DefaultFields: []int{0, 1, 2, 3, 4},
		Modifiers: []Modifier{
			{
				Name: "type",
				Variants: map[string]Variant{
					"equity":  {Token: "EQUITY"},
					"futures": {Token: "FUTURES"},
					"options": {Token: "OPTIONS"},
					"forex":   {Token: "FOREX"},
				},
			},
		},
	},
	FeedActives: {
		Feed:          FeedActives,
		Service:       "ACTIVES",
		Command:       CommandSubs,
		Fields:        activesFields,
		DefaultFields: []int{0, 1},
		Modifiers: []Modifier{
			{
				Name: "venue",
				Variants: map[string]Variant{
					"nasdaq":  {Token: "NASDAQ"},
					"nyse":    {Token: "NYSE"},
					"otcbb":   {Token: "OTCBB"},
					"options": {Token: "OPTIONS"},
				},
			},
		},
	},
}
