package notify

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// FormatEvent renders a ledger event as a notification title and body.
func FormatEvent(ev domain.Event) (title, message string) {
	var b strings.Builder
	switch ev.Kind {
	case domain.EventMarketCreated:
		title = fmt.Sprintf("Market #%d opened", ev.MarketID)
		fmt.Fprintf(&b, "%s", ev.Question)
	case domain.EventSettlementRequested:
		title = fmt.Sprintf("Settlement requested for market #%d", ev.MarketID)
		fmt.Fprintf(&b, "%s", ev.Question)
	case domain.EventMarketSettled:
		title = fmt.Sprintf("Market #%d settled", ev.MarketID)
		if ev.Side != nil {
			fmt.Fprintf(&b, "Outcome: %s", strings.ToUpper(ev.Side.String()))
		}
		if ev.Confidence != nil {
			fmt.Fprintf(&b, "\nConfidence: %d.%02d%%", *ev.Confidence/100, *ev.Confidence%100)
		}
	case domain.EventWinningsClaimed:
		title = fmt.Sprintf("Winnings claimed on market #%d", ev.MarketID)
		fmt.Fprintf(&b, "%s received %s", account(ev), amount(ev))
	case domain.EventPolicyUpdated:
		title = "Report policy updated"
		if field, ok := ev.Detail["field"]; ok {
			fmt.Fprintf(&b, "Changed %v by %s", field, account(ev))
		}
	case domain.EventOwnershipTransferred:
		title = "Ledger ownership transferred"
		if owner, ok := ev.Detail["owner"]; ok {
			fmt.Fprintf(&b, "New owner %v", owner)
		}
	default:
		title = fmt.Sprintf("Ledger event %s", ev.Kind)
		if ev.Account != nil {
			fmt.Fprintf(&b, "%s %s", account(ev), amount(ev))
		}
	}
	fmt.Fprintf(&b, "\nseq %d", ev.Seq)
	return title, strings.TrimPrefix(b.String(), "\n")
}

func account(ev domain.Event) string {
	if ev.Account == nil {
		return "unknown"
	}
	return ev.Account.Hex()
}

func amount(ev domain.Event) string {
	if ev.Amount == nil {
		return "0"
	}
	return ev.Amount.String()
}
