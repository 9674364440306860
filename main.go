package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabfab/pdfrag/api"
	"github.com/fabfab/pdfrag/chat"
	"github.com/fabfab/pdfrag/config"
	"github.com/fabfab/pdfrag/logger"
	"github.com/fabfab/pdfrag/pipeline"
)

var (
	configPath string
	cfg        config.Config
	log        *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "pdfrag",
	Short:         "Question answering, summaries and comparisons over a PDF corpus",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		l, err := logger.New(cfg.Environment)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		log = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file (defaults to $"+config.ConfigPathEnv+")")
	rootCmd.AddCommand(syncCmd, listCmd, askCmd, chatCmd, summarizeCmd, diffCmd, serveCmd, migrateCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withPipeline builds the pipeline for the duration of fn.
func withPipeline(cmd *cobra.Command, fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	ctx := cmd.Context()
	p, cleanup, err := pipeline.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, p)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Chunk and embed every new document in blob storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			report, err := p.Sync(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("Ingested %d documents, embedded %d chunks.\n", len(report.Ingested), report.Embedded)
			for _, id := range report.Degraded {
				cmd.Printf("  degraded extraction: %s\n", id)
			}
			for _, f := range report.Failures {
				cmd.Printf("  failed: %s: %v\n", f.DocumentID, f.Err)
			}
			if len(report.Failures) > 0 {
				return fmt.Errorf("%d documents failed to sync", len(report.Failures))
			}
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the documents available in blob storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			docs, err := p.ListDocuments(ctx)
			if err != nil {
				return err
			}
			for _, d := range docs {
				cmd.Println(d.ID)
			}
			return nil
		})
	},
}

// indexHelp is appended to the commands that read the vector index.
const indexHelp = `New documents in blob storage are chunked and embedded before the first
question, as "sync" would do. Pass --no-sync to answer from the index as it is.`

var noSync bool

// syncBeforeAsking indexes new documents unless --no-sync was given. Failing
// documents are reported and do not stop the command.
func syncBeforeAsking(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline) error {
	if noSync {
		return nil
	}
	report, err := p.Sync(ctx)
	if err != nil {
		return err
	}
	if len(report.Ingested) > 0 {
		cmd.Printf("Indexed %d new documents.\n", len(report.Ingested))
	}
	for _, f := range report.Failures {
		cmd.Printf("  not indexed: %s: %v\n", f.DocumentID, f.Err)
	}
	return nil
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question from the indexed documents",
	Long:  "Answer one question from the indexed documents.\n\n" + indexHelp,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			if err := syncBeforeAsking(ctx, cmd, p); err != nil {
				return err
			}
			answer, err := p.Ask(ctx, nil, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printAnswer(cmd, answer)
			return nil
		})
	},
}

var (
	noHistory bool

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation; /clear resets the history, /exit quits",
		Long:  "Interactive conversation over the indexed documents.\n\n" + indexHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
				if err := syncBeforeAsking(ctx, cmd, p); err != nil {
					return err
				}
				session := chat.NewSession(cfg.Search.HistoryWindow)
				session.SetUseHistory(!noHistory)
				return runChat(ctx, cmd, p, session)
			})
		},
	}
)

func init() {
	chatCmd.Flags().BoolVar(&noHistory, "no-history", false, "do not rewrite questions with the chat history")
	for _, c := range []*cobra.Command{askCmd, chatCmd} {
		c.Flags().BoolVar(&noSync, "no-sync", false, "skip indexing new documents before answering")
	}
}

func runChat(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline, session *chat.Session) error {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		cmd.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			session.Clear()
			cmd.Println("Conversation cleared.")
			continue
		}

		answer, err := p.Ask(ctx, session, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			cmd.Printf("Could not answer: %v\n", err)
			continue
		}
		printAnswer(cmd, answer)
	}
}

func printAnswer(cmd *cobra.Command, answer chat.Answer) {
	if answer.Source != "" {
		cmd.Printf("Reference Document: %s\n", answer.Source)
	}
	cmd.Println(answer.Text)
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <document>",
	Short: "Summarize a document, computing the summary only the first time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			res, err := p.Summarize(ctx, args[0])
			if err != nil {
				return err
			}
			cmd.Println(res.Formatted)
			return nil
		})
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <first> <second>",
	Short: "Compare the summaries of two documents",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			res, err := p.Diff(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			cmd.Println(res.Text)
			return nil
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			srv := api.New(p, cfg.Search.HistoryWindow, log.With("component", "api")).HTTPServer(cfg.HTTPAddr)

			errCh := make(chan error, 1)
			go func() {
				log.Info("http server listening", "addr", cfg.HTTPAddr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				log.Info("shutting down http server")
				return srv.Shutdown(shutdownCtx)
			}
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the chunk, vector and summary tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return pipeline.Migrate(cmd.Context(), cfg, log)
	},
}
