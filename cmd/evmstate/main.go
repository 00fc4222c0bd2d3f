// evmstate is the offline decoder: it reads a call record and a contract's
// storage layout from disk, runs the slot labeling engine, and writes the
// labeled diff as JSON on stdout.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/naoina/toml"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/polareth/evmstate-sub002/layout"
	"github.com/polareth/evmstate-sub002/trace"
)

var (
	layoutFlag = &cli.StringFlag{
		Name:     "layout",
		Usage:    "path to the solc storageLayout JSON of the traced contract",
		Required: true,
	}
	addressFlag = &cli.StringFlag{
		Name:     "address",
		Usage:    "contract address the layout belongs to",
		Required: true,
	}
	recordFlag = &cli.StringFlag{
		Name:     "record",
		Usage:    "path to the call record JSON",
		Required: true,
	}
	maxDepthFlag = &cli.IntFlag{
		Name:  "max-depth",
		Usage: "maximum nested mapping key levels",
		Value: trace.DefaultConfig().MaxDepth,
	}
	explorationLimitFlag = &cli.Int64Flag{
		Name:  "exploration-limit",
		Usage: "key combinations tried per mapping variable (-1 = unlimited)",
		Value: trace.DefaultConfig().ExplorationLimit,
	}
	matchCapFlag = &cli.IntFlag{
		Name:  "match-cap",
		Usage: "distinct matches per mapping variable before the search stops (-1 = unlimited)",
		Value: trace.DefaultConfig().MatchCap,
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML config file; command line flags override it",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit .. 5=trace)",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "write logs to a rotated file instead of stderr",
	}
)

func main() {
	app := &cli.App{
		Name:  "evmstate",
		Usage: "label raw storage slot accesses with variable names",
		Commands: []*cli.Command{
			{
				Name:   "decode",
				Usage:  "decode one recorded call against a storage layout",
				Action: runDecode,
				Flags: []cli.Flag{
					layoutFlag, addressFlag, recordFlag,
					maxDepthFlag, explorationLimitFlag, matchCapFlag,
					configFlag, verbosityFlag, logFileFlag,
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// tomlConfig mirrors the engine bounds for file-based configuration.
type tomlConfig struct {
	MaxDepth         int
	ExplorationLimit int64
	MatchCap         int
}

func runDecode(c *cli.Context) error {
	setupLogging(c)

	cfg, err := engineConfig(c)
	if err != nil {
		return err
	}

	addr := common.HexToAddress(c.String(addressFlag.Name))
	reg, err := layout.NewRegistry(16)
	if err != nil {
		return err
	}
	layoutData, err := os.ReadFile(c.String(layoutFlag.Name))
	if err != nil {
		return errors.Wrap(err, "read layout")
	}
	if err := reg.Register(addr, layoutData); err != nil {
		return err
	}

	rec, err := loadRecord(c.String(recordFlag.Name))
	if err != nil {
		return err
	}

	tracer, err := trace.NewTracer(reg, cfg)
	if err != nil {
		return err
	}
	res, err := tracer.TraceCall(rec)
	if err != nil {
		return errors.Wrap(err, "trace call")
	}
	log.Debug("Call traced", "addresses", len(res.Storage),
		"combinations", res.Stats.Combinations, "unresolved", res.Stats.Unresolved)

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(out, '\n'))
	return err
}

// engineConfig merges defaults, the optional TOML file and any explicitly
// set flags, in that order.
func engineConfig(c *cli.Context) (trace.Config, error) {
	cfg := trace.DefaultConfig()
	if path := c.String(configFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		var file tomlConfig
		file.MaxDepth = cfg.MaxDepth
		file.ExplorationLimit = cfg.ExplorationLimit
		file.MatchCap = cfg.MatchCap
		if err := toml.Unmarshal(data, &file); err != nil {
			return cfg, errors.Wrap(err, "parse config")
		}
		cfg.MaxDepth = file.MaxDepth
		cfg.ExplorationLimit = file.ExplorationLimit
		cfg.MatchCap = file.MatchCap
	}
	if c.IsSet(maxDepthFlag.Name) {
		cfg.MaxDepth = c.Int(maxDepthFlag.Name)
	}
	if c.IsSet(explorationLimitFlag.Name) {
		cfg.ExplorationLimit = c.Int64(explorationLimitFlag.Name)
	}
	if c.IsSet(matchCapFlag.Name) {
		cfg.MatchCap = c.Int(matchCapFlag.Name)
	}
	return cfg, nil
}

func setupLogging(c *cli.Context) {
	output := io.Writer(os.Stderr)
	useColor := true
	if file := c.String(logFileFlag.Name); file != "" {
		output = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 10,
		}
		useColor = false
	}
	level := log.FromLegacyLevel(c.Int(verbosityFlag.Name))
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(output, level, useColor)))
}
