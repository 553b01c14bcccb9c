// certanchor anchors certificates on a registry contract and verifies them:
// single and batch issuance with Merkle commitments, renewals, revocation,
// and QR-link verification against a local record store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/certanchor/certanchor/batchproc"
	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/config"
	"github.com/certanchor/certanchor/issuance"
	"github.com/certanchor/certanchor/ledger"
	"github.com/certanchor/certanchor/link"
	"github.com/certanchor/certanchor/log"
	"github.com/certanchor/certanchor/qr"
	"github.com/certanchor/certanchor/store"
	"github.com/certanchor/certanchor/types"
	"github.com/certanchor/certanchor/verify"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type app struct {
	cfg          *config.Config
	store        *store.CertificateStore
	gateway      *ledger.Gateway
	links        *link.Builder
	orchestrator *issuance.Orchestrator
	engine       *verify.Engine
}

func newApp(configPath, outDir string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.InitLogger(cfg.LogLevel)

	cs, err := store.NewCertificateStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	gw, err := ledger.NewGateway(cfg.Ledger.RPCEndpoint, common.HexToAddress(cfg.Ledger.ContractAddress),
		cfg.Ledger.SignerKey, cfg.Ledger.ChainID)
	if err != nil {
		cs.Close()
		return nil, err
	}
	links, err := link.NewBuilder(cfg.Link.BaseURL, cfg.Link.Secret)
	if err != nil {
		cs.Close()
		return nil, err
	}

	if outDir == "" {
		outDir = "finished"
	}
	processor := batchproc.NewProcessor(cs, links, qr.NewEncoder(),
		&localStamper{outDir: outDir}, popplerRasterizer{},
		&dirArtifactStore{dir: outDir, baseURL: cfg.Link.BaseURL},
		batchproc.Options{
			Position:    batchproc.Position{X: cfg.Batch.QRPlacement.X, Y: cfg.Batch.QRPlacement.Y},
			ZipStore:    cfg.Batch.ZipStore,
			DeepLinks:   cfg.Link.DeepLinks,
			Concurrency: cfg.Batch.Concurrency,
		})

	return &app{
		cfg:          cfg,
		store:        cs,
		gateway:      gw,
		links:        links,
		orchestrator: issuance.NewOrchestrator(gw, cs, processor, cfg.IssuerID),
		engine:       verify.NewEngine(gw, cs, links),
	}, nil
}

func (a *app) close() {
	a.store.Close()
}

// parseDate accepts YYYY-MM-DD, RFC3339, a unix timestamp, or "never".
func parseDate(s string) (uint64, error) {
	switch s {
	case "", "never", "0":
		return types.InfiniteExpiration, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return uint64(t.Unix()), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return uint64(t.Unix()), nil
	}
	var unix uint64
	if _, err := fmt.Sscanf(s, "%d", &unix); err == nil {
		return unix, nil
	}
	return 0, fmt.Errorf("unparseable date %q", s)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode output: %v", err)
	}
	fmt.Println(string(out))
}

// manifestEntry is one row of an issue-batch manifest file.
type manifestEntry struct {
	DocumentID     string            `yaml:"documentId"`
	HolderName     string            `yaml:"holderName"`
	Title          string            `yaml:"title"`
	GrantDate      string            `yaml:"grantDate"`
	ExpirationDate string            `yaml:"expirationDate"`
	ExtraFields    map[string]string `yaml:"extraFields"`
	Artifact       string            `yaml:"artifact"`
}

func loadManifest(path string) ([]types.Record, map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var entries []manifestEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	records := make([]types.Record, 0, len(entries))
	artifacts := make(map[string]string, len(entries))
	for _, e := range entries {
		grant, err := parseDate(e.GrantDate)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", e.DocumentID, err)
		}
		exp, err := parseDate(e.ExpirationDate)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", e.DocumentID, err)
		}
		records = append(records, types.Record{
			DocumentID:     e.DocumentID,
			HolderName:     e.HolderName,
			Title:          e.Title,
			GrantDate:      grant,
			ExpirationDate: exp,
			ExtraFields:    e.ExtraFields,
		})
		if e.Artifact != "" {
			artifacts[e.DocumentID] = e.Artifact
		}
	}
	return records, artifacts, nil
}

func main() {
	var (
		configPath  string
		outDir      string
		metricsAddr string
	)

	rootCmd := &cobra.Command{
		Use:     "certanchor",
		Short:   "Certificate anchoring and verification node",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&outDir, "out", "", "output directory for finished artifacts")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	setup := func() *app {
		a, err := newApp(configPath, outDir)
		if err != nil {
			fatal("startup: %v", err)
		}
		if metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Warn(log.IssuanceMonitoring, "metrics listener stopped", "err", err)
				}
			}()
		}
		return a
	}

	var (
		holder  string
		title   string
		grant   string
		expires string
	)
	issueCmd := &cobra.Command{
		Use:   "issue <documentId>",
		Short: "Issue and anchor one certificate",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := setup()
			defer a.close()
			grantDate, err := parseDate(grant)
			if err != nil {
				fatal("%v", err)
			}
			exp, err := parseDate(expires)
			if err != nil {
				fatal("%v", err)
			}
			cert, err := a.orchestrator.IssueSingle(cmd.Context(), types.Record{
				DocumentID:     args[0],
				HolderName:     holder,
				Title:          title,
				GrantDate:      grantDate,
				ExpirationDate: exp,
			})
			if err != nil {
				fatal("issue %s: %v", args[0], err)
			}
			printJSON(cert)
		},
	}
	issueCmd.Flags().StringVar(&holder, "holder", "", "certificate holder name")
	issueCmd.Flags().StringVar(&title, "title", "", "certificate title")
	issueCmd.Flags().StringVar(&grant, "grant", "", "grant date (YYYY-MM-DD)")
	issueCmd.Flags().StringVar(&expires, "expires", "never", "expiration date (YYYY-MM-DD or never)")

	issueBatchCmd := &cobra.Command{
		Use:   "issue-batch <manifest.yaml>",
		Short: "Anchor a batch of certificates under one Merkle root",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := setup()
			defer a.close()
			records, artifacts, err := loadManifest(args[0])
			if err != nil {
				fatal("manifest: %v", err)
			}
			resp, err := a.orchestrator.IssueBatch(cmd.Context(), records, artifacts)
			if err != nil {
				fatal("issue batch: %v", err)
			}
			failed := 0
			for _, item := range resp.Items {
				if item.Err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "  %s: %v\n", item.DocumentID, item.Err)
				}
			}
			fmt.Printf("batch %d anchored, root %s, tx %s, %d/%d documents finished\n",
				resp.BatchID, resp.Root.Hex(), resp.TxHash.Hex(), len(resp.Items)-failed, len(resp.Items))
			if failed > 0 {
				os.Exit(1)
			}
		},
	}

	renewCmd := &cobra.Command{
		Use:   "renew <certificateNumber>",
		Short: "Extend a single certificate's expiration",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := setup()
			defer a.close()
			exp, err := parseDate(expires)
			if err != nil {
				fatal("%v", err)
			}
			cert, err := a.orchestrator.RenewSingle(cmd.Context(), args[0], exp)
			if err != nil {
				fatal("renew %s: %v", args[0], err)
			}
			printJSON(cert)
		},
	}
	renewCmd.Flags().StringVar(&expires, "expires", "never", "new expiration date (YYYY-MM-DD or never)")

	var batchID uint64
	renewBatchCmd := &cobra.Command{
		Use:   "renew-batch",
		Short: "Extend every certificate of a batch via its root",
		Run: func(cmd *cobra.Command, args []string) {
			a := setup()
			defer a.close()
			exp, err := parseDate(expires)
			if err != nil {
				fatal("%v", err)
			}
			members, err := a.orchestrator.RenewBatch(cmd.Context(), batchID, exp)
			if err != nil {
				fatal("renew batch %d: %v", batchID, err)
			}
			fmt.Printf("batch %d renewed, %d members\n", batchID, len(members))
		},
	}
	renewBatchCmd.Flags().Uint64Var(&batchID, "batch", 0, "batch id")
	renewBatchCmd.Flags().StringVar(&expires, "expires", "never", "new expiration date")
	renewBatchCmd.MarkFlagRequired("batch")

	renewMemberCmd := &cobra.Command{
		Use:   "renew-member <certificateNumber>",
		Short: "Renew one batch member, promoting it to a single certificate",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := setup()
			defer a.close()
			exp, err := parseDate(expires)
			if err != nil {
				fatal("%v", err)
			}
			cert, err := a.orchestrator.RenewBatchMember(cmd.Context(), args[0], exp)
			if err != nil {
				fatal("renew member %s: %v", args[0], err)
			}
			printJSON(cert)
		},
	}
	renewMemberCmd.Flags().StringVar(&expires, "expires", "never", "new expiration date")

	statusCmd := func(use, short string, status types.CertificateStatus) *cobra.Command {
		var forBatch uint64
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.MaximumNArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				a := setup()
				defer a.close()
				if forBatch > 0 {
					members, err := a.orchestrator.UpdateBatchStatus(cmd.Context(), forBatch, status)
					if err != nil {
						fatal("batch %d: %v", forBatch, err)
					}
					fmt.Printf("batch %d: %d members now %s\n", forBatch, len(members), status)
					return
				}
				if len(args) != 1 {
					fatal("a certificate number or --batch is required")
				}
				cert, err := a.orchestrator.UpdateSingleStatus(cmd.Context(), args[0], status)
				if err != nil {
					fatal("%s: %v", args[0], err)
				}
				printJSON(cert)
			},
		}
		cmd.Flags().Uint64Var(&forBatch, "batch", 0, "apply to every member of this batch")
		return cmd
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <number | link>",
		Short: "Verify a certificate by number, short link or deep link",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := setup()
			defer a.close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 90*time.Second)
			defer cancel()
			outcome, err := a.engine.Verify(ctx, args[0])
			if err != nil {
				fatal("verify: %v", err)
			}
			printJSON(outcome)
			if outcome.Result != types.VerifyValid {
				os.Exit(2)
			}
		},
	}

	rootCmd.AddCommand(issueCmd, issueBatchCmd, renewCmd, renewBatchCmd, renewMemberCmd,
		statusCmd("revoke [certificateNumber]", "Revoke a certificate or a whole batch", types.StatusRevoked),
		statusCmd("reactivate [certificateNumber]", "Reactivate a revoked certificate or batch", types.StatusReactivated),
		verifyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
