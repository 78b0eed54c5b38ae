package command

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commbank/ledger"
)

// StatusEmoji marks a transaction status in replies.
func StatusEmoji(s ledger.Status) string {
	switch s {
	case ledger.StatusPending:
		return "⏳"
	case ledger.StatusCompleted:
		return "✅"
	case ledger.StatusCancelled:
		return "❌"
	case ledger.StatusFailed:
		return "⚠️"
	}
	return "❓"
}

// CategoryEmoji marks a merchant category in the merchant listing.
func CategoryEmoji(c ledger.Category) string {
	switch c {
	case ledger.CategoryFood:
		return "🍔"
	case ledger.CategoryItems:
		return "🎮"
	case ledger.CategoryServices:
		return "🛠️"
	case ledger.CategoryTransfer:
		return "💸"
	}
	return "🏪"
}

// TimeAgo renders how long before now t happened, at minute resolution.
func TimeAgo(now, t time.Time) string {
	mins := int(now.Sub(t) / time.Minute)
	if mins < 1 {
		return "just now"
	}
	if mins < 60 {
		return fmt.Sprintf("%dm ago", mins)
	}
	hours := mins / 60
	if hours < 24 {
		return fmt.Sprintf("%dh ago", hours)
	}
	return fmt.Sprintf("%dd ago", hours/24)
}

func money(d decimal.Decimal) string {
	return "$" + ledger.FormatMoney(d)
}
