package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// app holds what every subcommand needs once the config is loaded.
type app struct {
	configPath string
	scope      string
	backend    string

	cfg    Config
	logger *zap.Logger
	store  userstate.StateStore
	client *userstate.Client
}

// run executes the command line args and releases the backend whatever the
// outcome.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "userstate",
		Short:         "Read and write per-user block state",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to the YAML configuration")
	flags.StringVar(&a.scope, "scope", string(userstate.ScopeUserState), "state scope")
	flags.StringVar(&a.backend, "backend", "", "override the configured backend")

	root.AddCommand(
		a.getCmd(),
		a.setCmd(),
		a.deleteCmd(),
		a.historyCmd(),
		a.scanBlockCmd(),
		a.scanCourseCmd(),
	)
	return root
}

func (a *app) open(ctx context.Context) error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Backend = a.backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	policy, err := cfg.History.HistoryPolicy(logger)
	if err != nil {
		return fmt.Errorf("history policy: %w", err)
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	client, err := userstate.New(store,
		userstate.WithLogger(logger),
		userstate.WithHistoryPolicy(policy),
		userstate.WithDefaultBatchSize(cfg.Scan.BatchSize),
	)
	if err != nil {
		closeStore(store)
		return err
	}
	a.cfg, a.logger, a.store, a.client = cfg, logger, store, client
	return nil
}

func (a *app) close() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	store := a.store
	a.store = nil
	return closeStore(store)
}

func closeStore(store userstate.StateStore) error {
	if store == nil {
		return nil
	}
	if closer, ok := store.(userstate.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (a *app) scopeValue() (userstate.Scope, error) {
	return userstate.ParseScope(a.scope)
}

func (a *app) getCmd() *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "get USER BLOCK",
		Short: "Print one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, block, err := a.target(args[1])
			if err != nil {
				return err
			}
			rec, err := a.client.Get(cmd.Context(), userstate.UserID(args[0]), block, scope, optionalFields(cmd, fields))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), recordView(rec))
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "fields to return")
	return cmd
}

func (a *app) setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set USER BLOCK JSON",
		Short: "Overlay a JSON object onto a record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, block, err := a.target(args[1])
			if err != nil {
				return err
			}
			var fields userstate.Fields
			dec := json.NewDecoder(strings.NewReader(args[2]))
			dec.UseNumber()
			if err := dec.Decode(&fields); err != nil {
				return fmt.Errorf("fields must be a JSON object: %w", err)
			}
			return a.client.Set(cmd.Context(), userstate.UserID(args[0]), block, scope, fields)
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "delete USER BLOCK",
		Short: "Delete a record or some of its fields",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, block, err := a.target(args[1])
			if err != nil {
				return err
			}
			return a.client.Delete(cmd.Context(), userstate.UserID(args[0]), block, scope, optionalFields(cmd, fields))
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "fields to delete; all when omitted")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history USER BLOCK",
		Short: "Print the history of a record, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, block, err := a.target(args[1])
			if err != nil {
				return err
			}
			entries, err := a.client.GetHistory(cmd.Context(), userstate.UserID(args[0]), block, scope)
			if err != nil {
				return err
			}
			n := 0
			for entry := range entries {
				if limit > 0 && n == limit {
					break
				}
				if err := writeJSON(cmd.OutOrStdout(), historyView(entry)); err != nil {
					return err
				}
				n++
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to print")
	return cmd
}

func (a *app) scanBlockCmd() *cobra.Command {
	var flags scanFlags
	cmd := &cobra.Command{
		Use:   "scan-block BLOCK",
		Short: "Print every user's record of a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, block, err := a.target(args[0])
			if err != nil {
				return err
			}
			opts, err := a.scanOptions(flags)
			if err != nil {
				return err
			}
			records, err := a.client.IterAllForBlock(cmd.Context(), block, scope, opts...)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), records, flags.limit)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) scanCourseCmd() *cobra.Command {
	var (
		flags     scanFlags
		blockType string
	)
	cmd := &cobra.Command{
		Use:   "scan-course COURSE",
		Short: "Print every record of a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := a.scopeValue()
			if err != nil {
				return err
			}
			course, err := userstate.ParseCourseKey(args[0])
			if err != nil {
				return err
			}
			opts, err := a.scanOptions(flags)
			if err != nil {
				return err
			}
			if blockType != "" {
				opts = append(opts, userstate.WithBlockType(blockType))
			}
			records, err := a.client.IterAllForCourse(cmd.Context(), course, scope, opts...)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), records, flags.limit)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&blockType, "type", "", "only blocks of this type")
	return cmd
}

type scanFlags struct {
	batchSize int
	filter    string
	fields    []string
	limit     int
}

func (f *scanFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "records per backend read")
	cmd.Flags().StringVar(&f.filter, "filter", "", "rule expression records must satisfy")
	cmd.Flags().StringSliceVar(&f.fields, "fields", nil, "fields to return")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "stop after this many records")
}

func (a *app) scanOptions(flags scanFlags) ([]userstate.ScanOption, error) {
	var opts []userstate.ScanOption
	if flags.batchSize > 0 {
		opts = append(opts, userstate.WithBatchSize(flags.batchSize))
	}
	if len(flags.fields) > 0 {
		opts = append(opts, userstate.WithScanFields(flags.fields...))
	}
	if flags.filter != "" {
		evaluator, err := userstate.NewEvaluator(a.cfg.History.Engine, nil, nil)
		if err != nil {
			return nil, err
		}
		rule, err := userstate.NewRule(flags.filter,
			userstate.RuleWithEvaluator(evaluator),
			userstate.RuleWithLogger(userstate.ZapEvaluatorLogger(a.logger)),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, userstate.WithFilterRule(rule))
	}
	if pps := a.cfg.Scan.PagesPerSecond; pps > 0 {
		opts = append(opts, userstate.WithRateLimit(rate.NewLimiter(rate.Limit(pps), 1)))
	}
	return opts, nil
}

func (a *app) target(rawBlock string) (userstate.Scope, userstate.BlockKey, error) {
	scope, err := a.scopeValue()
	if err != nil {
		return "", userstate.BlockKey{}, err
	}
	block, err := userstate.ParseBlockKey(rawBlock)
	if err != nil {
		return "", userstate.BlockKey{}, err
	}
	return scope, block, nil
}

// optionalFields distinguishes an omitted --fields flag (every field) from
// an explicit list.
func optionalFields(cmd *cobra.Command, fields []string) []string {
	if !cmd.Flags().Changed("fields") {
		return nil
	}
	if fields == nil {
		return []string{}
	}
	return fields
}

func writeRecords(w io.Writer, records iter.Seq2[userstate.Record, error], limit int) error {
	n := 0
	for rec, err := range records {
		if err != nil {
			return err
		}
		if err := writeJSON(w, recordView(rec)); err != nil {
			return err
		}
		n++
		if limit > 0 && n == limit {
			break
		}
	}
	return nil
}

type recordOutput struct {
	User    userstate.UserID   `json:"user"`
	Block   userstate.BlockKey `json:"block"`
	Scope   userstate.Scope    `json:"scope"`
	Fields  userstate.Fields   `json:"fields"`
	Updated string             `json:"updated"`
}

func recordView(rec userstate.Record) recordOutput {
	return recordOutput{
		User:    rec.User,
		Block:   rec.Block,
		Scope:   rec.Scope,
		Fields:  rec.Fields,
		Updated: rec.Updated.UTC().Format(time.RFC3339Nano),
	}
}

type historyOutput struct {
	ID        string              `json:"id"`
	Operation userstate.Operation `json:"operation"`
	Fields    userstate.Fields    `json:"fields"`
	Updated   string              `json:"updated"`
}

func historyView(entry userstate.HistoryEntry) historyOutput {
	return historyOutput{
		ID:        entry.ID.String(),
		Operation: entry.Operation,
		Fields:    entry.Fields,
		Updated:   entry.Updated.UTC().Format(time.RFC3339Nano),
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return errors.Join(errors.New("write output"), err)
	}
	return nil
}
