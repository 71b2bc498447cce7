package output

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/tatsugg/tatsuq/internal/core"
	"github.com/tatsugg/tatsuq/internal/core/engine"
	"github.com/tatsugg/tatsuq/internal/core/store"
	"github.com/tatsugg/tatsuq/internal/tatsu"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

func tableFor(value any) (table.Writer, error) {
	switch v := value.(type) {
	case *tatsu.User:
		return userTable(v), nil
	case *tatsu.Rankings:
		return rankingsTable([]*tatsu.Rankings{v}), nil
	case []*tatsu.Rankings:
		return rankingsTable(v), nil
	case *tatsu.Member:
		return memberTable(v), nil
	case *tatsu.MemberScore:
		return scoreTable(v), nil
	case engine.Status:
		return statusTable(v), nil
	case []store.QuotaWindow:
		return quotaTable(v), nil
	default:
		return nil, fmt.Errorf("no table layout for %T", value)
	}
}

func userTable(u *tatsu.User) table.Writer {
	t := newTable()
	t.AppendHeader(table.Row{"Field", "Value"})
	if u == nil {
		return t
	}
	name := u.Username
	if u.Discriminator != "" && u.Discriminator != "0" {
		name += "#" + u.Discriminator
	}
	t.AppendRows([]table.Row{
		{"ID", u.ID},
		{"Username", name},
		{"Title", u.Title},
		{"XP", u.XP},
		{"Credits", u.Credits},
		{"Tokens", u.Tokens},
		{"Reputation", u.Reputation},
	})
	return t
}

func rankingsTable(pages []*tatsu.Rankings) table.Writer {
	t := newTable()
	t.AppendHeader(table.Row{"Rank", "User", "Score"})

	guild := ""
	count := 0
	for _, page := range pages {
		if page == nil {
			continue
		}
		if guild == "" {
			guild = page.GuildID
		}
		for _, r := range page.Rankings {
			t.AppendRow(table.Row{r.Rank, r.UserID, r.Score})
			count++
		}
	}
	if guild != "" {
		t.SetTitle("Guild " + guild)
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d entries", count), ""})
	return t
}

func memberTable(m *tatsu.Member) table.Writer {
	t := newTable()
	t.AppendHeader(table.Row{"Guild", "User", "Rank", "Score"})
	if m != nil {
		t.AppendRow(table.Row{m.GuildID, m.UserID, m.Rank, m.Score})
	}
	return t
}

func scoreTable(s *tatsu.MemberScore) table.Writer {
	t := newTable()
	t.AppendHeader(table.Row{"Guild", "User", "Score"})
	if s != nil {
		t.AppendRow(table.Row{s.GuildID, s.UserID, s.Score})
	}
	return t
}

func statusTable(s engine.Status) table.Writer {
	t := newTable()
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"Phase", string(s.Phase)},
		{"Queued", s.QueueLength},
		{"In flight", s.InFlight},
		{"Invalid", s.Invalid},
		{"Cycles", s.Cycles},
		{"Sleeps", s.Sleeps},
		{"Stalls", s.Stalls},
		{"Quota", quotaLabel(s.RateLimit)},
	})
	return t
}

func quotaTable(windows []store.QuotaWindow) table.Writer {
	t := newTable()
	t.AppendHeader(table.Row{"Credential", "Limit", "Remaining", "Reset", "Observed"})
	now := time.Now()
	for _, w := range windows {
		reset := w.State.ResetTime().Format(time.RFC3339)
		if !w.Active(now) {
			reset += " (passed)"
		}
		t.AppendRow(table.Row{
			w.Credential,
			w.State.Limit,
			w.State.Remaining,
			reset,
			w.ObservedAt.Format(time.RFC3339),
		})
	}
	t.AppendFooter(table.Row{strconv.Itoa(len(windows)) + " windows", "", "", "", ""})
	return t
}

func quotaLabel(state *core.RateLimitState) string {
	if state == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d/%d until %s", state.Remaining, state.Limit, state.ResetTime().Format(time.RFC3339))
}
