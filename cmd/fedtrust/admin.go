package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fedtrust/pkg/auth"
	"fedtrust/pkg/node"
	"fedtrust/pkg/types"
	"fedtrust/pkg/utils"
)

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage federation peers",
	}

	var organization string
	add := &cobra.Command{
		Use:   "add <name> <endpoint> <public-key-hex>",
		Short: "Register a peer; its node ID is derived from the public key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				peer, err := n.AddPeer(args[0], organization, args[1], args[2])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(peer)
				}
				fmt.Printf("Registered %s (%s) with trust %.0f\n", peer.DisplayName, peer.NodeID, peer.TrustScore)
				return nil
			})
		},
	}
	add.Flags().StringVar(&organization, "org", "", "peer organization")

	list := &cobra.Command{
		Use:   "list",
		Short: "List peers with their trust scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				peers := n.Peers()
				if jsonOutput {
					return printJSON(peers)
				}
				fmt.Println(renderPeers(peers))
				return nil
			})
		},
	}

	cmd.AddCommand(add, list,
		peerStatusCmd("suspend", types.PeerSuspended),
		peerStatusCmd("deactivate", types.PeerInactive),
		peerStatusCmd("activate", types.PeerActive),
	)
	return cmd
}

func peerStatusCmd(verb string, status types.PeerStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <node-id>",
		Short: fmt.Sprintf("Mark a peer %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				if err := n.SetPeerStatus(types.NodeID(args[0]), status); err != nil {
					return err
				}
				fmt.Printf("%s is now %s\n", args[0], status)
				return nil
			})
		},
	}
}

func anchorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Inspect and sign build-verification anchors",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending and verified anchors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				pending, verified := n.Anchors().Pending(), n.Anchors().Verified()
				if jsonOutput {
					return printJSON(map[string]interface{}{"pending": pending, "verified": verified})
				}
				fmt.Println(titleStyle.Render("Pending"))
				fmt.Println(renderAnchors(pending))
				fmt.Println(titleStyle.Render("Verified"))
				fmt.Println(renderAnchors(verified))
				return nil
			})
		},
	}

	var send bool
	sign := &cobra.Command{
		Use:   "sign <anchor-hash>",
		Short: "Verify a peer's anchor locally and record a signed verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				sig, err := n.SignAnchor(types.Hash(args[0]))
				if err != nil {
					return err
				}

				var (
					delivered []node.PublishResult
					sendErr   error
				)
				if send {
					ctx, cancel := signalContext()
					defer cancel()
					delivered, sendErr = n.SendSignature(ctx, sig)
				}

				if jsonOutput {
					if err := printJSON(map[string]interface{}{"signature": sig, "delivered": delivered}); err != nil {
						return err
					}
				} else {
					fmt.Printf("Verdict %s on %s\n", sig.VerificationResult, sig.AnchorHash)
					for check, ok := range sig.Details {
						fmt.Printf("  %-22s %v\n", check, ok)
					}
					printDeliveries(delivered)
				}
				if sendErr != nil {
					return exitCode(node.StatusFailedTransiently.ExitCode())
				}
				return nil
			})
		},
	}
	sign.Flags().BoolVar(&send, "send", false, "deliver the signature to every active peer")

	publish := &cobra.Command{
		Use:   "publish <anchor-hash>",
		Short: "Push a pending anchor to active HTTP peers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				ctx, cancel := signalContext()
				defer cancel()

				results, err := n.PublishAnchor(ctx, types.Hash(args[0]))
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(results)
				}
				if printDeliveries(results) > 0 {
					return exitCode(node.StatusFailedTransiently.ExitCode())
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, sign, publish)
	return cmd
}

// printDeliveries lists per-peer push outcomes and returns the failure count.
func printDeliveries(results []node.PublishResult) int {
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Printf("%s  %s\n", shortID(r.NodeID), r.Error)
			continue
		}
		fmt.Printf("%s  %d\n", shortID(r.NodeID), r.Status)
	}
	return failed
}

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Work with the local event log",
	}

	var origin string
	emit := &cobra.Command{
		Use:   "emit <kind> <version> <reference>",
		Short: "Append a locally originated event",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				e, err := n.EmitEvent(args[0], args[1], args[2], origin)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(e)
				}
				fmt.Println(e.Hash)
				return nil
			})
		},
	}
	emit.Flags().StringVar(&origin, "origin", "local", "originating system of the event")

	cmd.AddCommand(emit)
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <path>",
		Short: "Write the event log as a compressed batch for file:// peers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				count, err := n.ExportEvents(args[0])
				if err != nil {
					return err
				}
				size := "?"
				if info, err := os.Stat(args[0]); err == nil {
					size = utils.FormatDataSize(info.Size())
				}
				fmt.Printf("Exported %d events to %s (%s)\n", count, args[0], size)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and gRPC event exchange and sync on schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, logger *zap.Logger) error {
				ctx, cancel := signalContext()
				defer cancel()

				logger.Info("Starting node", zap.String("public_key", n.PublicKey()))
				if err := n.Serve(ctx); err != nil {
					return err
				}
				logger.Info("Node stopped")
				return nil
			})
		},
	}
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this node's ID and public key for peers to register",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(n *node.Node, _ *zap.Logger) error {
				if jsonOutput {
					return printJSON(map[string]string{"node_id": string(n.ID()), "public_key": n.PublicKey()})
				}
				fmt.Println(createPanel("Node identity", [][2]string{
					{"Node ID", string(n.ID())},
					{"Public key", n.PublicKey()},
				}))
				return nil
			})
		},
	}
}

func tlsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Manage peer TLS certificates",
	}

	var (
		organization string
		outDir       string
		hosts        []string
		validity     time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue <common-name>",
		Short: "Issue a node certificate, creating the organization CA if needed",
		Long: `Writes ca.crt/ca.key (created once) and <common-name>.crt/.key into the
output directory. Distribute ca.crt to peers; they list it in their
server.tls.ca_file bundle.

Use the node ID printed by "fedtrust identity" as the common name: peers
requiring client certificates attribute signatures to the node named there,
and only an invalid signature delivered under the signer's own certificate
counts against its trust.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caCert, caKey := filepath.Join(outDir, "ca.crt"), filepath.Join(outDir, "ca.key")

			ca, err := auth.LoadAuthority(caCert, caKey)
			if errors.Is(err, fs.ErrNotExist) {
				if organization == "" {
					return fmt.Errorf("--org is required to create a new CA")
				}
				if ca, err = auth.NewAuthority(organization, validity); err != nil {
					return err
				}
				if err := ca.Save(caCert, caKey); err != nil {
					return err
				}
				fmt.Printf("Created CA %s\n", caCert)
			} else if err != nil {
				return err
			}

			cert, key, err := ca.Issue(args[0], hosts, validity)
			if err != nil {
				return err
			}
			certPath, keyPath := filepath.Join(outDir, args[0]+".crt"), filepath.Join(outDir, args[0]+".key")
			if err := auth.WriteKeyPair(certPath, keyPath, cert, key); err != nil {
				return err
			}
			fmt.Printf("Issued %s (expires %s)\n", certPath, cert.NotAfter.Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().StringVar(&organization, "org", "", "organization name for a new CA")
	issue.Flags().StringVarP(&outDir, "out", "o", "tls", "output directory")
	issue.Flags().StringSliceVar(&hosts, "host", nil, "DNS name or IP the certificate is valid for (repeatable)")
	issue.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate lifetime")

	cmd.AddCommand(issue)
	return cmd
}
