package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/witnz/proofchain/internal/api"
	"github.com/witnz/proofchain/internal/config"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
	"github.com/witnz/proofchain/internal/logging"
	"github.com/witnz/proofchain/internal/storage"
	"go.uber.org/zap"
)

const version = "v0.1.0"

var (
	cfgFile  string
	identity string
)

var rootCmd = &cobra.Command{
	Use:   "proofchain",
	Short: "Proofchain - append-only proof-of-history ledger",
	Long: `Proofchain records a content-addressed proof for every piece of data it is
given and links each proof to the one before it, so later tampering with any
stored proof is detectable.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "proofchain.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&identity, "as", "cli", "identity recorded as submitter or verifier")

	lookupCmd.Flags().String("data-hash", "", "hex digest of the data")
	lookupCmd.Flags().String("file", "", "file whose contents to look up")
	exportCmd.Flags().StringP("output", "o", "-", "output file, - for stdout")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(verifyChainCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(tokenCmd)
}

// node bundles what every local command needs.
type node struct {
	cfg    *config.Config
	logger *zap.Logger
	store  storage.Backend
	ledger *ledger.Ledger
}

func (n *node) Close() {
	if err := n.store.Close(); err != nil {
		n.logger.Warn("failed to close storage", zap.Error(err))
	}
	_ = n.logger.Sync()
}

func openNode(ctx context.Context, opts ...ledger.Option) (*node, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("node_id", cfg.Node.ID))

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.Open(ctx, cfg.StorageOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	if err := storage.PinAlgorithm(store, cfg.Hash.Algorithm); err != nil {
		store.Close()
		return nil, err
	}

	hasher, err := hash.New(cfg.Hash.Algorithm)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts = append([]ledger.Option{ledger.WithLogger(logger)}, opts...)
	return &node{
		cfg:    cfg,
		logger: logger,
		store:  store,
		ledger: ledger.New(store, hasher, opts...),
	}, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("proofchain %s\n", version)
		fmt.Printf("Hash algorithms: %v\n", hash.Algorithms())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the node's proof store",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		fmt.Printf("Initialized proofchain node: %s\n", n.cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", n.cfg.Node.DataDir)
		fmt.Printf("Storage: %s %s\n", n.cfg.Storage.Driver, n.cfg.Storage.Path)
		fmt.Printf("Hash algorithm: %s\n", n.cfg.Hash.Algorithm)
		return nil
	},
}

func readInput(arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(arg)
}

var submitCmd = &cobra.Command{
	Use:   "submit <file|->",
	Short: "Prove the contents of a file (or stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		if n.cfg.Raft.Enabled {
			return errors.New("raft is enabled: submit through the API of the running cluster")
		}

		data, err := readInput(args[0])
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		proofHash, err := n.ledger.SubmitData(cmd.Context(), ledger.Identity(identity), data)
		if errors.Is(err, ledger.ErrDuplicateData) {
			existing, lerr := n.ledger.LookupProofForData(cmd.Context(), n.ledger.Hasher().Sum(data))
			if lerr == nil {
				fmt.Printf("Already proved: %s\n", existing)
			}
			return err
		}
		if err != nil {
			return err
		}

		fmt.Printf("Proof hash: %s\n", proofHash)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <proof-hash>",
	Short: "Verify a single proof",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proofHash, err := hash.ParseDigest(args[0])
		if err != nil {
			return err
		}

		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		if err := n.ledger.VerifyProof(cmd.Context(), ledger.Identity(identity), proofHash); err != nil {
			fmt.Printf("❌ FAILED: %v\n", err)
			return err
		}

		record, err := n.ledger.Proof(cmd.Context(), proofHash)
		if err != nil {
			return err
		}
		fmt.Printf("✅ OK: proof %s is intact\n", proofHash.Short())
		fmt.Printf("  Sequence:  %d\n", record.Sequence)
		fmt.Printf("  Timestamp: %s\n", record.Timestamp.Time().Format(time.RFC3339Nano))
		fmt.Printf("  Submitter: %s\n", record.Submitter)
		return nil
	},
}

var verifyChainCmd = &cobra.Command{
	Use:   "verify-chain",
	Short: "Verify every proof from the tip back to genesis",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		report, err := n.ledger.VerifyChain(cmd.Context())
		if err != nil {
			fmt.Printf("❌ FAILED: %v\n", err)
			return err
		}

		fmt.Printf("✅ OK: %d proofs intact\n", report.Length)
		if report.Length > 0 {
			fmt.Printf("  Tip:     %s\n", report.Tip)
			fmt.Printf("  Genesis: %s\n", report.Genesis)
		}
		return nil
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Find the proof for a piece of data",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataHashHex, _ := cmd.Flags().GetString("data-hash")
		file, _ := cmd.Flags().GetString("file")
		if (dataHashHex == "") == (file == "") {
			return errors.New("exactly one of --data-hash or --file is required")
		}

		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		var dataHash hash.Digest
		if file != "" {
			data, err := readInput(file)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			dataHash = n.ledger.Hasher().Sum(data)
		} else if dataHash, err = hash.ParseDigest(dataHashHex); err != nil {
			return err
		}

		proofHash, err := n.ledger.LookupProofForData(cmd.Context(), dataHash)
		if err != nil {
			return err
		}

		fmt.Printf("Data hash:  %s\n", dataHash)
		fmt.Printf("Proof hash: %s\n", proofHash)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		status, err := n.ledger.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Node ID: %s\n", n.cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", n.cfg.Node.DataDir)
		fmt.Printf("Storage: %s\n", n.cfg.Storage.Driver)
		fmt.Printf("Hash algorithm: %s\n", status.Algorithm)
		fmt.Printf("Proofs: %d\n", status.Count)
		if !status.HasTip {
			fmt.Printf("No proofs yet\n")
			return nil
		}
		fmt.Printf("Tip: %s\n", status.Tip)

		root, err := n.ledger.Commitment(cmd.Context())
		if err != nil {
			fmt.Printf("Merkle root: unavailable (%v)\n", err)
			return nil
		}
		fmt.Printf("Merkle root: %s\n", root)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every proof record as JSON, genesis first",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		records, err := n.ledger.Records(cmd.Context())
		if err != nil {
			return err
		}

		w := io.Writer(os.Stdout)
		if output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("failed to write records: %w", err)
		}
		if output != "-" {
			fmt.Fprintf(os.Stderr, "Exported %d proofs to %s\n", len(records), output)
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <identity>",
	Short: "Issue an API token for an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.API.JWTSecret == "" {
			return errors.New("api.jwt_secret is not set; the API accepts anonymous callers")
		}

		tokens, err := api.NewTokenIssuer(cfg.API.JWTSecret, cfg.TokenTTL())
		if err != nil {
			return err
		}
		token, err := tokens.Issue(ledger.Identity(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
