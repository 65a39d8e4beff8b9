package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fedtrust/pkg/node"
	"fedtrust/pkg/types"
)

func syncCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one federation sync cycle",
		Long: `Fetch every active peer's event log, validate new events and append the
accepted ones. Without --force the cycle is skipped until the configured
interval has elapsed. Exits 2 when any peer was unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				ctx, cancel := signalContext()
				defer cancel()

				result, err := n.Sync(ctx, force)
				if err != nil {
					return err
				}
				return finish(result, func() { renderSync(result) })
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "sync even if the interval has not elapsed")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <event-hash> <node-id>=<hash>...",
		Short: "Run a consensus round over peer-reported hashes",
		Long: `Tally the hashes peers reported for an event. When the majority reaches
the threshold, agreeing peers gain trust and disagreeing peers lose it.
Exits 1 when consensus is not achieved.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reported, err := parseReports(args[1:])
			if err != nil {
				return err
			}

			return withNode(func(n *node.Node, _ *zap.Logger) error {
				result, err := n.ValidateEvent(types.Hash(args[0]), reported)
				if err != nil {
					return err
				}
				return finish(result, func() { renderRound(result) })
			})
		},
	}
}

func parseReports(args []string) (map[types.NodeID]types.Hash, error) {
	reported := make(map[types.NodeID]types.Hash, len(args))
	for _, arg := range args {
		id, hash, ok := strings.Cut(arg, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid report %q (expected node-id=hash)", arg)
		}
		reported[types.NodeID(id)] = types.Hash(hash)
	}
	return reported, nil
}

func proposeCmd() *cobra.Command {
	var (
		digest  map[string]string
		publish bool
	)

	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a build-verification anchor for peer sign-off",
		Long: `Create and sign an anchor over the given payload digest and add it to the
pending set. Exits 1 when the proposal is rate limited or a duplicate.`,
		Example: `  fedtrust propose --digest evidence_root=ab12 --digest rule_set=baseline \
    --digest scanner_version=4.2.0 --digest summary="0 critical" --publish`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(digest) == 0 {
				return fmt.Errorf("at least one --digest field is required")
			}

			return withNode(func(n *node.Node, _ *zap.Logger) error {
				anchor, err := n.NewLocalAnchor(digest)
				if err != nil {
					return err
				}
				result, err := n.ProposeAnchor(anchor)
				if err != nil {
					return err
				}

				var published []node.PublishResult
				if publish && result.Status == node.StatusAchieved {
					ctx, cancel := signalContext()
					defer cancel()
					if published, err = n.PublishAnchor(ctx, anchor.AnchorHash); err != nil {
						return err
					}
				}

				return finish(result, func() {
					fmt.Println(statusStyle(result.Status).Render(strings.ToUpper(string(result.Status))))
					rows := [][2]string{
						{"Anchor", string(anchor.AnchorHash)},
						{"Remaining this hour", fmt.Sprintf("%d", result.Remaining)},
					}
					if result.Reason != "" {
						rows = append(rows, [2]string{"Reason", result.Reason})
					}
					for _, p := range published {
						outcome := fmt.Sprintf("%d", p.Status)
						if p.Error != "" {
							outcome = p.Error
						}
						rows = append(rows, [2]string{"Published " + shortID(p.NodeID), outcome})
					}
					fmt.Println(createPanel("Anchor proposal", rows))
				})
			})
		},
	}

	cmd.Flags().StringToStringVarP(&digest, "digest", "d", nil, "payload digest field (key=value, repeatable)")
	cmd.Flags().BoolVar(&publish, "publish", false, "push the anchor to active HTTP peers")
	return cmd
}

func inspectTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-trust",
		Short: "Show peer trust scores, consensus history and audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				result := n.InspectTrust()
				return finish(result, func() { renderInspect(result) })
			})
		},
	}
}
