package cmd

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/constrain/api"
	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/format"
	"github.com/ollama/constrain/fsm"
	"github.com/ollama/constrain/index"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/progress"
	"github.com/ollama/constrain/server"
	"github.com/ollama/constrain/version"
	"github.com/ollama/constrain/vocabulary"
)

// readInput reads the named file, or standard input if name is empty or "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "" || name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

func maxRecursionFlag(cmd *cobra.Command) (*int, error) {
	n, err := cmd.Flags().GetInt("max-recursion")
	if err != nil || n < 0 {
		return nil, err
	}
	return &n, nil
}

func RegexHandler(cmd *cobra.Command, args []string) error {
	schema, err := readInput(cmd, append(args, "")[0])
	if err != nil {
		return err
	}

	whitespace, err := cmd.Flags().GetString("whitespace")
	if err != nil {
		return err
	}

	maxRecursion, err := maxRecursionFlag(cmd)
	if err != nil {
		return err
	}

	req := api.RegexRequest{Schema: schema, Whitespace: whitespace, MaxRecursion: maxRecursion}

	var re string
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return err
		}

		resp, err := client.Regex(cmd.Context(), &req)
		if err != nil {
			return err
		}
		re = resp.Regex
	} else {
		re, err = server.Regex(&req)
		if err != nil {
			return err
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), re)
	return nil
}

func indexRequest(cmd *cobra.Command) (*api.IndexRequest, error) {
	var req api.IndexRequest

	var err error
	if req.Regex, err = cmd.Flags().GetString("regex"); err != nil {
		return nil, err
	}

	if name, _ := cmd.Flags().GetString("schema"); name != "" {
		if req.Schema, err = readInput(cmd, name); err != nil {
			return nil, err
		}
	}

	name, err := cmd.Flags().GetString("vocab")
	if err != nil {
		return nil, err
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if req.Vocabulary, err = vocabulary.Decode(f); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if req.Frozen, err = cmd.Flags().GetStringSlice("frozen"); err != nil {
		return nil, err
	}
	if req.FrozenPolicy, err = cmd.Flags().GetString("frozen-policy"); err != nil {
		return nil, err
	}
	if req.Whitespace, err = cmd.Flags().GetString("whitespace"); err != nil {
		return nil, err
	}
	if req.MaxRecursion, err = maxRecursionFlag(cmd); err != nil {
		return nil, err
	}

	return &req, nil
}

func IndexHandler(cmd *cobra.Command, args []string) error {
	req, err := indexRequest(cmd)
	if err != nil {
		return err
	}

	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return err
		}

		resp, err := client.Index(cmd.Context(), req)
		if err != nil {
			return err
		}

		return printSummary(cmd.OutOrStdout(), [][]string{
			{"ID:", resp.ID},
			{"States:", format.HumanNumber(uint64(resp.States))},
			{"Edges:", format.HumanNumber(uint64(resp.Edges))},
			{"Final states:", joinStates(resp.FinalStates)},
			{"Cached:", strconv.FormatBool(resp.Cached)},
		})
	}

	var p *progress.Progress
	if !envconfig.NoProgress() && progress.IsTerminal(cmd.ErrOrStderr()) {
		p = progress.NewProgress(cmd.ErrOrStderr())
		p.Add(progress.NewSpinner("building index"))
	}

	idx, _, err := server.BuildIndex(req)
	if p != nil {
		p.StopAndClear()
	}
	if err != nil {
		return err
	}

	summary := [][]string{
		{"States:", format.HumanNumber(uint64(len(idx.States())))},
		{"Edges:", format.HumanNumber(uint64(idx.Edges()))},
		{"Final states:", joinStates(idx.Finals())},
	}

	if output, _ := cmd.Flags().GetString("output"); output != "" {
		size, err := writeIndex(output, idx)
		if err != nil {
			return err
		}
		summary = append(summary, []string{"Written:", fmt.Sprintf("%s (%s)", output, format.HumanBytes(size))})
	}

	return printSummary(cmd.OutOrStdout(), summary)
}

func writeIndex(name string, idx *index.Index) (int64, error) {
	f, err := os.Create(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := index.Encode(f, idx); err != nil {
		return 0, err
	}

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), f.Close()
}

func joinStates(states []fsm.StateID) string {
	s := make([]string, len(states))
	for i, state := range states {
		s[i] = strconv.FormatUint(uint64(state), 10)
	}
	return strings.Join(s, ", ")
}

func printSummary(w io.Writer, data [][]string) error {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	idx, err := index.Decode(f)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	var vocab *vocabulary.Vocabulary
	if name, _ := cmd.Flags().GetString("vocab"); name != "" {
		vf, err := os.Open(name)
		if err != nil {
			return err
		}
		defer vf.Close()

		if vocab, err = vocabulary.Decode(vf); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	var data [][]string
	var header []string
	if cmd.Flags().Changed("state") {
		n, err := cmd.Flags().GetUint32("state")
		if err != nil {
			return err
		}

		state := fsm.StateID(n)
		allowed, ok := idx.AllowedTokens(state)
		if !ok {
			return fmt.Errorf("state %d not found", state)
		}

		header = []string{"ID", "TOKEN", "NEXT"}
		for _, id := range allowed {
			next, _ := idx.NextState(state, id)
			token := ""
			if vocab != nil {
				token, _ = vocab.IDToToken(id)
				token = strconv.Quote(token)
			}
			data = append(data, []string{strconv.Itoa(int(id)), token, strconv.FormatUint(uint64(next), 10)})
		}
	} else {
		header = []string{"STATE", "FINAL", "TOKENS", "NEXT"}
		for _, state := range idx.States() {
			allowed, _ := idx.AllowedTokens(state)

			var next []fsm.StateID
			for _, id := range allowed {
				s, _ := idx.NextState(state, id)
				next = append(next, s)
			}
			slices.Sort(next)

			final := ""
			if idx.IsFinalState(state) {
				final = "yes"
			}
			data = append(data, []string{
				strconv.FormatUint(uint64(state), 10),
				final,
				strconv.Itoa(len(allowed)),
				joinStates(slices.Compact(next)),
			})
		}
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()

	return nil
}

func RunServer(cmd *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(cmd.Context(), ln)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func ConfigHandler(cmd *cobra.Command, _ []string) error {
	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return nil
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(envconfig.Values())
	}

	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	data := make([][]string, 0, len(keys))
	for _, k := range keys {
		data = append(data, []string{k, fmt.Sprintf("%v", vars[k].Value)})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration file: %s\n\n", cmp.Or(envconfig.ConfigPath(), "(none)"))
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
	return nil
}

func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Warning: could not connect to a running constrain instance")
	}

	if serverVersion != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "constrain version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Fprintf(cmd.OutOrStdout(), "Warning: client version is %s\n", version.Version)
	}
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "constrain",
		Short:         "Compile JSON schemas into token indexes for constrained generation",
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	regexCmd := &cobra.Command{
		Use:   "regex [SCHEMA]",
		Short: "Compile a JSON schema into a regular expression",
		Long:  "Compile a JSON schema into a regular expression. The schema is read from standard input if no file is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  RegexHandler,
	}

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Build the token index of a schema or regular expression",
		Args:  cobra.NoArgs,
		RunE:  IndexHandler,
	}

	indexCmd.Flags().String("schema", "", "JSON schema file, - for standard input")
	indexCmd.Flags().String("regex", "", "Regular expression")
	indexCmd.MarkFlagsMutuallyExclusive("schema", "regex")
	indexCmd.Flags().String("vocab", "", "Vocabulary file mapping tokens to lists of ids")
	indexCmd.MarkFlagRequired("vocab")
	indexCmd.Flags().StringSlice("frozen", nil, "Tokens matched whole instead of rune by rune")
	indexCmd.Flags().String("frozen-policy", "", "How frozen tokens are admitted: match, reject, final or allow")
	indexCmd.Flags().StringP("output", "o", "", "Write the index to a file")

	for _, c := range []*cobra.Command{regexCmd, indexCmd} {
		c.Flags().String("whitespace", "", "Pattern matched between JSON tokens")
		c.Flags().Int("max-recursion", -1, "Expansions of a recursive $ref")
		c.Flags().Bool("remote", false, "Use a running constrain server")
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect INDEX",
		Short: "Show the states of an index file",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	inspectCmd.Flags().String("vocab", "", "Vocabulary file used to show token text")
	inspectCmd.Flags().Uint32("state", 0, "Show the tokens allowed in a single state")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the constrain server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  ConfigHandler,
	}

	configCmd.Flags().Bool("example", false, "Print an example configuration file")
	configCmd.Flags().Bool("json", false, "Print the configuration as JSON")

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["CONSTRAIN_HOST"], envVars["CONSTRAIN_DEBUG"]}

	for _, cmd := range []*cobra.Command{regexCmd, indexCmd, serveCmd} {
		switch cmd {
		case regexCmd:
			appendEnvDocs(cmd, append(envs, envVars["CONSTRAIN_WHITESPACE"], envVars["CONSTRAIN_MAX_RECURSION"]))
		case indexCmd:
			appendEnvDocs(cmd, append(envs,
				envVars["CONSTRAIN_WHITESPACE"],
				envVars["CONSTRAIN_MAX_RECURSION"],
				envVars["CONSTRAIN_MAX_STATES"],
				envVars["CONSTRAIN_WORKERS"],
				envVars["CONSTRAIN_FROZEN_POLICY"],
				envVars["CONSTRAIN_NOPROGRESS"],
			))
		case serveCmd:
			appendEnvDocs(cmd, append(envs,
				envVars["CONSTRAIN_ORIGINS"],
				envVars["CONSTRAIN_CACHE_SIZE"],
				envVars["CONSTRAIN_MAX_STATES"],
				envVars["CONSTRAIN_WORKERS"],
			))
		}
	}

	rootCmd.AddCommand(
		regexCmd,
		indexCmd,
		inspectCmd,
		serveCmd,
		configCmd,
	)

	return rootCmd
}
