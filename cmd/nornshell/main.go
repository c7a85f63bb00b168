// Package main provides the nornshell CLI entry point: a small query
// shell for NornicDB/Neo4j servers speaking Bolt.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicdb-go/pkg/bolt"
	"github.com/orneryd/nornicdb-go/pkg/nornicdb"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// fileConfig is the YAML shape accepted by --config.
type fileConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	FetchSize      int `yaml:"fetch_size"`
	MaxConnections int `yaml:"max_connections"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "nornshell",
		Short: "nornshell - Cypher shell for Bolt-speaking graph databases",
		Long: `nornshell connects to a NornicDB or Neo4j server over the Bolt
protocol and executes Cypher queries.

Features:
  • Bolt 4.4 and 5.x with TLS (bolt+s / bolt+ssc URIs)
  • One-shot query execution and an interactive shell
  • Connection settings from flags or a YAML config file`,
	}

	rootCmd.PersistentFlags().String("uri", "bolt://localhost:7687", "Server URI")
	rootCmd.PersistentFlags().String("user", "", "Username")
	rootCmd.PersistentFlags().String("password", "", "Password")
	rootCmd.PersistentFlags().String("db", "", "Database name")
	rootCmd.PersistentFlags().String("config", "", "YAML config file path")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log protocol events")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nornshell v%s (%s)\n", version, commit)
		},
	})

	// Run command (one-shot query)
	runCmd := &cobra.Command{
		Use:   "run [cypher]",
		Short: "Execute a single Cypher query and print its rows",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	rootCmd.AddCommand(runCmd)

	// Shell command (interactive REPL)
	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive Cypher shell",
		RunE:  runShell,
	}
	rootCmd.AddCommand(shellCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openGraph builds a Graph from flags, with the config file as the
// base layer when given.
func openGraph(cmd *cobra.Command) (*nornicdb.Graph, error) {
	cfg := nornicdb.DefaultConfig()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.URI = fc.URI
		cfg.Username = fc.Username
		cfg.Password = fc.Password
		cfg.Database = fc.Database
		if fc.FetchSize != 0 {
			cfg.FetchSize = fc.FetchSize
		}
		if fc.MaxConnections > 0 {
			cfg.MaxConnections = fc.MaxConnections
		}
		if fc.TimeoutSeconds > 0 {
			cfg.ConnectionTimeout = time.Duration(fc.TimeoutSeconds) * time.Second
		}
	}

	if uri, _ := cmd.Flags().GetString("uri"); uri != "" && (cfg.URI == "" || cmd.Flags().Changed("uri")) {
		cfg.URI = uri
	}
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		cfg.Username = user
	}
	if pass, _ := cmd.Flags().GetString("password"); pass != "" {
		cfg.Password = pass
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database = db
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Logger = &bolt.StdLogger{Debug: true}
	}

	return nornicdb.Open(cfg)
}

func runQuery(cmd *cobra.Command, args []string) error {
	graph, err := openGraph(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer graph.Close(ctx)

	return execute(ctx, graph, args[0])
}

func runShell(cmd *cobra.Command, args []string) error {
	graph, err := openGraph(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer graph.Close(ctx)

	fmt.Printf("nornshell v%s - type a Cypher query, or :quit to leave\n", version)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == ":quit" || line == ":exit":
			return nil
		}
		if err := execute(ctx, graph, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// execute runs one query and prints rows as tab-separated values.
func execute(ctx context.Context, graph *nornicdb.Graph, cypher string) error {
	res, err := graph.Execute(ctx, cypher, nil)
	if err != nil {
		return err
	}
	defer res.Close(ctx)

	fmt.Println(strings.Join(res.Keys(), "\t"))
	count := 0
	for {
		rec, err := res.Next(ctx)
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		cells := make([]string, len(rec.Values))
		for i, v := range rec.Values {
			cells[i] = formatValue(v)
		}
		fmt.Println(strings.Join(cells, "\t"))
		count++
	}

	if sum := res.Summary(); sum != nil {
		fmt.Printf("%d rows", count)
		if sum.QueryType != "" {
			fmt.Printf(" (%s)", sum.QueryType)
		}
		fmt.Println()
	}
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case nornicdb.Node:
		return fmt.Sprintf("(:%s %v)", strings.Join(x.Labels, ":"), x.Props)
	case nornicdb.Relationship:
		return fmt.Sprintf("[:%s %v]", x.Type, x.Props)
	default:
		return fmt.Sprintf("%v", x)
	}
}
