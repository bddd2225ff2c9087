// Package cache holds the Redis plumbing shared by the store decorators:
// the key families for the derived-aggregate caches and a replica-aware
// client router for read traffic.
package cache

import (
	"fmt"
	"time"
)

func qualitySuffix(hq bool) string {
	if hq {
		return "hq"
	}
	return "nq"
}

// MinListingKey is the cheapest-listing cache key. For world scopes the key
// holds a plain price string; for dc/region scopes it names a sorted set
// scored by price with world ids as members.
func MinListingKey(scopeKey string, itemID int, hq bool) string {
	return fmt.Sprintf("min-listing:%s:%d:%s", scopeKey, itemID, qualitySuffix(hq))
}

// RecentSaleKey is the most-recent-sale cache key. World scopes store a
// ":time"/":price" string pair under this prefix; dc/region scopes name a
// sorted set scored by sale time with world ids as members.
func RecentSaleKey(scopeKey string, itemID int, hq bool) string {
	return fmt.Sprintf("recent-sales:%s:%d:%s", scopeKey, itemID, qualitySuffix(hq))
}

// TradeVolumeKey is the per-day trade-volume counter key. quantity selects
// the quantity-sum counter ("sale-qu") versus the revenue-sum counter
// ("sale-pr").
func TradeVolumeKey(scopeKey string, itemID int, hq, quantity bool, day time.Time) string {
	kind := "pr"
	if quantity {
		kind = "qu"
	}
	return fmt.Sprintf("sale-%s:%s:%d:%s:%s", kind, scopeKey, itemID, qualitySuffix(hq), day.UTC().Format("2006-01-02"))
}

// UploadTimeKey holds the last-write timestamp (unix ms) for a pair.
func UploadTimeKey(worldID, itemID int) string {
	return fmt.Sprintf("upload-time:%d:%d", worldID, itemID)
}

// MarketItemKey holds the serialized MarketItem record for a pair.
func MarketItemKey(worldID, itemID int) string {
	return fmt.Sprintf("market_item:%d:%d", worldID, itemID)
}

// MostRecentlyUpdatedKey names the per-world sorted set of item ids scored by
// upload time.
func MostRecentlyUpdatedKey(worldID int) string {
	return fmt.Sprintf("mru:%d", worldID)
}
