package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/kpq/internal"
	"github.com/starford/kpq/internal/audit"
	"github.com/starford/kpq/internal/envelope"
	"github.com/starford/kpq/internal/storage"
	pkgconfig "github.com/starford/kpq/pkg/config"
)

var version = "dev"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file (YAML, or TOML with a .toml extension)",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("KPQ_CONFIG_FILE"),
	}
}

func databaseFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "database",
		Aliases: []string{"d"},
		Usage:   "Database name (optional when only one is configured)",
	}
}

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func newRuntime(cmd *cli.Command) (*internal.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return internal.NewRuntime(os.Stderr, internal.WithConfig(cfg), internal.WithVersion(version))
}

// readTerms returns the positional terms, or one term per stdin line when
// none were given.
func readTerms(cmd *cli.Command, stdin io.Reader) ([]string, error) {
	if cmd.Args().Len() > 0 {
		return cmd.Args().Slice(), nil
	}
	var terms []string
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			terms = append(terms, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read terms: %w", err)
	}
	if len(terms) == 0 {
		return nil, errors.New("no terms given")
	}
	return terms, nil
}

func query(ctx context.Context, cmd *cli.Command) error {
	terms, err := readTerms(cmd, os.Stdin)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	flags := envelope.Flags{
		CheckMode:    cmd.Bool("check"),
		FailSilently: cmd.Bool("fail-silently"),
		Reveal:       cmd.Bool("reveal"),
		IncludeFiles: cmd.Bool("include-files"),
	}
	results, qErr := rt.Query(ctx, cmd.String("database"), terms, cmd.Bool("read-only"), flags)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(results); err != nil {
		return err
	}

	changed, failed := 0, 0
	for _, r := range results {
		if r.Changed {
			changed++
		}
		if r.Failed {
			failed++
		}
	}
	status := color.New(color.FgGreen)
	if failed > 0 || qErr != nil {
		status = color.New(color.FgYellow)
	}
	_, _ = status.Fprintf(os.Stderr, "%d/%d terms executed, %d changed, %d failed", len(results), len(terms), changed, failed)
	if flags.CheckMode {
		_, _ = color.New(color.FgHiBlack).Fprint(os.Stderr, " (check mode)")
	}
	fmt.Fprintln(os.Stderr)
	return qErr
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithVersion(version))
}

func unseal(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: kpq unseal <sealed value>")
	}
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	plain, err := rt.Unseal(cmd.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(plain)
	return nil
}

func auditLog(ctx context.Context, cmd *cli.Command) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	f := audit.Filter{Database: cmd.String("database"), Limit: int(cmd.Int("limit"))}
	if d := cmd.Duration("since"); d > 0 {
		since := time.Now().Add(-d)
		f.Since = &since
	}
	records, err := rt.AuditLog(ctx, f)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	for _, r := range records {
		_, _ = gray.Printf("%s ", r.Time.Local().Format(time.DateTime))
		fmt.Printf("%-8s %-4s %s", r.Database, r.Action, r.Path)
		if r.Field != "" {
			fmt.Printf("?%s", r.Field)
		}
		switch {
		case r.Failed:
			_, _ = red.Printf("  failed: %s", r.Message)
		case r.CheckMode:
			_, _ = gray.Print("  check")
		case r.Changed:
			_, _ = yellow.Print("  changed")
		default:
			_, _ = green.Print("  ok")
		}
		fmt.Println()
	}
	return nil
}

func initDatabase(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: kpq init <location>")
	}
	d := storage.Details{
		Location: cmd.Args().First(),
		Password: cmd.String("password"),
		Keyfile:  cmd.String("keyfile"),
	}
	k, err := storage.CreateKDBX(d, cmd.String("root"))
	if err != nil {
		return err
	}
	if err := k.Save(); err != nil {
		return err
	}
	_, _ = color.New(color.FgGreen).Fprintf(os.Stderr, "created %s\n", k.Location())
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "kpq",
		Usage:   "Query and update KeePass databases with action://path?field#value terms",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:      "query",
				Aliases:   []string{"q"},
				Usage:     "Execute terms and print their results as JSON",
				ArgsUsage: "[term...] (one per stdin line when omitted)",
				Action:    query,
				Flags: []cli.Flag{
					configFlag(),
					databaseFlag(),
					&cli.BoolFlag{Name: "check", Usage: "Report changes without saving"},
					&cli.BoolFlag{Name: "fail-silently", Usage: "Report lookup failures inside results"},
					&cli.BoolFlag{Name: "read-only", Usage: "Reject every action but get"},
					&cli.BoolFlag{Name: "reveal", Usage: "Print passwords in clear text"},
					&cli.BoolFlag{Name: "include-files", Usage: "Embed attachment content as base64"},
				},
			},
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
				Flags:  []cli.Flag{configFlag()},
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdin/stdout",
				Action: serveMCP,
				Flags:  []cli.Flag{configFlag()},
			},
			{
				Name:      "unseal",
				Usage:     "Reveal a sealed password placeholder",
				ArgsUsage: "<sealed value>",
				Action:    unseal,
				Flags:     []cli.Flag{configFlag()},
			},
			{
				Name:   "audit",
				Usage:  "List executed requests, newest first",
				Action: auditLog,
				Flags: []cli.Flag{
					configFlag(),
					databaseFlag(),
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50, Usage: "Max records"},
					&cli.DurationFlag{Name: "since", Usage: "Only records newer than this, e.g. 24h"},
				},
			},
			{
				Name:      "init",
				Usage:     "Create an empty KeePass database",
				ArgsUsage: "<location>",
				Action:    initDatabase,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "password", Usage: "Master password", Sources: cli.EnvVars("KPQ_PASSWORD")},
					&cli.StringFlag{Name: "keyfile", Usage: "Key file"},
					&cli.StringFlag{Name: "root", Value: "Root", Usage: "Name of the root group"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
