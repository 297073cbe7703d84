package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"minigpt/pkg/checkpoint"
	"minigpt/pkg/config"
	"minigpt/pkg/model"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func newApp(stdout io.Writer) *cli.App {
	checkpointFlag := &cli.StringFlag{
		Name:  "checkpoint",
		Usage: "PyTorch state dict (.pt, .pth, .bin) or gob snapshot; empty for fresh weights",
	}

	return &cli.App{
		Name:   "minigpt",
		Usage:  "Run a small decoder-only transformer language model",
		Writer: stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set log level (trace, debug, info, warn, error, fatal, panic)",
				Action: func(c *cli.Context, s string) error {
					return setDebugLevel(s)
				},
				Value:   "info",
				EnvVars: []string{"MINIGPT_LOGLEVEL"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML model configuration; defaults are used when empty",
				EnvVars: []string{"MINIGPT_CONFIG"},
			},
			&cli.IntFlag{Name: "vocab-size", Usage: "override vocab_size"},
			&cli.IntFlag{Name: "block-size", Usage: "override block_size"},
			&cli.Uint64Flag{Name: "seed", Usage: "override the initialization and sampling seed"},
		},
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Extend prompts of token ids",
				Flags: []cli.Flag{
					checkpointFlag,
					&cli.StringFlag{
						Name:     "prompt",
						Usage:    `token ids, rows separated by ";" (e.g. "1,2,3;4,5,6")`,
						Required: true,
					},
					&cli.IntFlag{Name: "max-new-tokens", Value: 16},
					&cli.Float64Flag{Name: "temperature", Value: 1.0},
					&cli.BoolFlag{Name: "do-sample", Usage: "sample instead of taking the most likely token"},
					&cli.IntFlag{Name: "top-k", Usage: "keep only the k most likely tokens (0 disables)"},
					&cli.BoolFlag{Name: "use-cache", Usage: "reuse keys and values between steps"},
				},
				Action: func(c *cli.Context) error {
					return generate(c, stdout)
				},
			},
			{
				Name:  "params",
				Usage: "List the model parameters",
				Flags: []cli.Flag{checkpointFlag},
				Action: func(c *cli.Context) error {
					return params(c, stdout)
				},
			},
			{
				Name:  "init",
				Usage: "Write a freshly initialized model as a gob snapshot",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "output file", Required: true},
				},
				Action: func(c *cli.Context) error {
					return initModel(c)
				},
			},
			{
				Name:  "loss",
				Usage: "Compute the cross-entropy of targets given ids",
				Flags: []cli.Flag{
					checkpointFlag,
					&cli.StringFlag{Name: "ids", Required: true},
					&cli.StringFlag{Name: "targets", Usage: "-1 marks an ignored position", Required: true},
				},
				Action: func(c *cli.Context) error {
					return loss(c, stdout)
				},
			},
		},
	}
}

func setDebugLevel(debugLevel string) error {
	level, err := zerolog.ParseLevel(debugLevel)
	if err != nil {
		return err
	}
	log.Logger = log.Level(level)
	return nil
}

// loadConfig reads --config, or the defaults, and applies the override flags.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if c.IsSet("vocab-size") {
		cfg.VocabSize = c.Int("vocab-size")
	}
	if c.IsSet("block-size") {
		cfg.BlockSize = c.Int("block-size")
	}
	if c.IsSet("seed") {
		cfg.Seed = c.Uint64("seed")
	}
	return cfg, nil
}

func loadModel(c *cli.Context) (*model.GPT, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	m, err := checkpoint.Restore(c.String("checkpoint"), cfg)
	if err != nil {
		return nil, err
	}
	if c.IsSet("seed") {
		m.SeedSampler(c.Uint64("seed"))
	}
	return m, nil
}

func generate(c *cli.Context, w io.Writer) error {
	idx, err := parseBatch(c.String("prompt"))
	if err != nil {
		return fmt.Errorf("invalid prompt: %w", err)
	}
	m, err := loadModel(c)
	if err != nil {
		return err
	}

	out, err := m.Generate(idx, model.GenerateOptions{
		MaxNewTokens: c.Int("max-new-tokens"),
		Temperature:  c.Float64("temperature"),
		DoSample:     c.Bool("do-sample"),
		TopK:         c.Int("top-k"),
		UseCache:     c.Bool("use-cache"),
	})
	if err != nil {
		return err
	}
	for _, row := range out {
		fmt.Fprintln(w, formatIDs(row))
	}
	return nil
}

func params(c *cli.Context, w io.Writer) error {
	m, err := loadModel(c)
	if err != nil {
		return err
	}

	var data [][]string
	total := 0
	for _, p := range m.ParamSummary() {
		data = append(data, []string{
			p.Name,
			p.Kind.String(),
			fmt.Sprint(p.Value.Shape),
			strconv.Itoa(p.Count),
			strconv.FormatBool(p.Kind.Decay()),
		})
		total += p.Count
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "KIND", "SHAPE", "COUNT", "DECAY"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("\t")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "total: %d (%.2fM without lm_head)\n", total, float64(m.NumParams())/1e6)
	return nil
}

func initModel(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	m, err := model.New(cfg)
	if err != nil {
		return err
	}
	out := c.String("out")
	if err := checkpoint.SaveFile(out, m); err != nil {
		return fmt.Errorf("failed to write %q: %w", out, err)
	}
	log.Info().Str("file", out).Msg("model written")
	return nil
}

func loss(c *cli.Context, w io.Writer) error {
	idx, err := parseBatch(c.String("ids"))
	if err != nil {
		return fmt.Errorf("invalid ids: %w", err)
	}
	targets, err := parseBatch(c.String("targets"))
	if err != nil {
		return fmt.Errorf("invalid targets: %w", err)
	}
	m, err := loadModel(c)
	if err != nil {
		return err
	}

	_, l, err := m.ForwardWithLoss(idx, targets)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "loss: %.4f\n", l)
	return nil
}

// parseBatch reads rows of comma separated ids separated by semicolons.
func parseBatch(s string) ([][]int, error) {
	var batch [][]int
	for _, row := range strings.Split(s, ";") {
		var ids []int
		for _, field := range strings.Split(row, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			id, err := strconv.Atoi(field)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("empty row in %q", s)
		}
		batch = append(batch, ids)
	}
	return batch, nil
}

func formatIDs(ids []int) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = strconv.Itoa(id)
	}
	return strings.Join(s, ",")
}
