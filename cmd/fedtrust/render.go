package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"fedtrust/pkg/federation"
	"fedtrust/pkg/node"
	"fedtrust/pkg/types"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func createPanel(title string, rows [][2]string) string {
	var content strings.Builder
	content.WriteString(titleStyle.Render(title))
	for _, r := range rows {
		content.WriteString("\n" + labelStyle.Render(r[0]) + valueStyle.Render(r[1]))
	}
	return panelStyle.Render(content.String())
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		}).
		Headers(headers...)
}

func statusStyle(s node.Status) lipgloss.Style {
	switch s {
	case node.StatusAchieved:
		return lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	case node.StatusSkipped:
		return lipgloss.NewStyle().Foreground(mutedColor).Bold(true)
	case node.StatusRejected:
		return lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	}
}

func trustStyle(score float64) lipgloss.Style {
	switch {
	case score >= 75:
		return lipgloss.NewStyle().Foreground(accentColor)
	case score >= 50:
		return lipgloss.NewStyle().Foreground(fgColor)
	case score >= 25:
		return lipgloss.NewStyle().Foreground(warningColor)
	default:
		return lipgloss.NewStyle().Foreground(dangerColor)
	}
}

func renderTrustBar(score float64, width int) string {
	filled := int(float64(width) * types.ClampTrust(score) / types.MaxTrustScore)
	bar := trustStyle(score).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(bgLightColor).Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %5.1f", bar, score)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortID(id types.NodeID) string {
	return shortHash(types.Hash(id))
}

func shortHash(h types.Hash) string {
	if len(h) > 16 {
		return string(h[:16])
	}
	return string(h)
}

func renderPeers(peers []*types.PeerNode) string {
	t := newTable("NODE ID", "NAME", "ORGANIZATION", "ENDPOINT", "STATUS", "TRUST", "LAST SEEN")
	for _, p := range peers {
		t.Row(shortID(p.NodeID), p.DisplayName, p.Organization, p.Endpoint,
			string(p.Status), renderTrustBar(p.TrustScore, 20), formatTime(p.LastSeen))
	}
	return t.Render()
}

func renderInspect(r *node.InspectResult) {
	fmt.Println(createPanel("Federation trust", [][2]string{
		{"Node", string(r.NodeID)},
		{"Peers", fmt.Sprintf("%d", len(r.Peers))},
		{"Byzantine detections", fmt.Sprintf("%d", r.ByzantineDetections)},
		{"Consensus rounds", fmt.Sprintf("%d", len(r.Rounds))},
		{"Events", fmt.Sprintf("%d", r.Events)},
		{"Anchors", fmt.Sprintf("%d pending, %d verified", r.PendingAnchors, r.VerifiedAnchors)},
		{"Last sync", formatTime(r.Sync.LastSync)},
		{"Syncs", fmt.Sprintf("%d ok, %d failed", r.Sync.SuccessfulSyncs, r.Sync.FailedSyncs)},
	}))

	if len(r.Peers) > 0 {
		fmt.Println(renderPeers(r.Peers))
	}

	if len(r.Rounds) > 0 {
		t := newTable("COMPLETED", "EVENT", "PARTICIPANTS", "AGREEMENT", "RESOLUTION")
		rounds := r.Rounds
		if len(rounds) > 10 {
			rounds = rounds[len(rounds)-10:]
		}
		for _, round := range rounds {
			completed := round.CompletedAt
			t.Row(formatTime(&completed), shortHash(round.EventHash),
				fmt.Sprintf("%d", len(round.ParticipatingNodes)),
				fmt.Sprintf("%.0f%%", round.AgreementPercentage*100),
				string(round.Resolution))
		}
		fmt.Println(titleStyle.Render("Recent consensus rounds"))
		fmt.Println(t.Render())
	}

	if len(r.Audit) > 0 {
		t := newTable("AT", "NODE", "OLD", "NEW", "REASON")
		audit := r.Audit
		if len(audit) > 10 {
			audit = audit[len(audit)-10:]
		}
		for _, adj := range audit {
			at := adj.At
			t.Row(formatTime(&at), shortID(adj.NodeID),
				fmt.Sprintf("%.1f", adj.Old), fmt.Sprintf("%.1f", adj.New), adj.Reason)
		}
		fmt.Println(titleStyle.Render("Recent trust adjustments"))
		fmt.Println(t.Render())
	}
}

func renderSync(r *node.SyncResult) {
	s := r.Summary
	fmt.Println(statusStyle(r.Status).Render(strings.ToUpper(string(r.Status))))
	if s.Skipped {
		fmt.Println(lipgloss.NewStyle().Foreground(mutedColor).Render("sync interval has not elapsed; use --force to sync now"))
		return
	}

	t := newTable("PEER", "ENDPOINT", "STATE", "FETCHED", "NEW", "APPLIED", "LOW ASSURANCE", "REJECTED", "ERROR")
	for _, p := range s.PerPeer {
		state := string(p.State)
		if p.State == federation.SyncFailed {
			state = lipgloss.NewStyle().Foreground(dangerColor).Render(state)
		}
		t.Row(shortID(p.NodeID), p.Endpoint, state,
			fmt.Sprintf("%d", p.Fetched), fmt.Sprintf("%d", p.New), fmt.Sprintf("%d", p.Applied),
			fmt.Sprintf("%d", p.LowAssurance), fmt.Sprintf("%d", p.Rejected), p.Error)
	}
	fmt.Println(t.Render())
	fmt.Printf("%d succeeded, %d failed, %d consensus rounds in %s\n",
		s.Succeeded, s.Failed, len(s.Rounds), s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond))
}

func renderRound(r *node.ValidateResult) {
	round := r.Round
	rows := [][2]string{
		{"Event", string(round.EventHash)},
		{"Resolution", string(round.Resolution)},
		{"Participants", fmt.Sprintf("%d", len(round.ParticipatingNodes))},
		{"Agreement", fmt.Sprintf("%.1f%% (threshold %.0f%%)", round.AgreementPercentage*100, round.Threshold*100)},
	}
	if round.MajorityHash != "" {
		rows = append(rows, [2]string{"Majority hash", string(round.MajorityHash)})
	}
	for _, id := range round.DisagreeingNodes {
		rows = append(rows, [2]string{"Disagreeing", string(id)})
	}
	fmt.Println(statusStyle(r.Status).Render(strings.ToUpper(string(r.Status))))
	fmt.Println(createPanel("Consensus round", rows))
}

func renderAnchors(anchors []*types.Anchor) string {
	t := newTable("ANCHOR", "PROPOSER", "CREATED", "STATE", "PASS", "SIGNATURES")
	for _, a := range anchors {
		created := a.CreatedAt
		t.Row(shortHash(a.AnchorHash), shortID(a.ProposerNodeID), formatTime(&created),
			string(a.State), fmt.Sprintf("%d", a.PassCount()), fmt.Sprintf("%d", len(a.Signatures)))
	}
	return t.Render()
}
