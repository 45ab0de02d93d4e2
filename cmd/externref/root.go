package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-externref/externref"
	"github.com/wippyai/wasm-externref/ir"
)

type options struct {
	output        string
	directives    string
	wit           string
	world         string
	module        string
	table         string
	exportTable   string
	sentinel      int32
	reservedSlots uint32
	validate      bool
	verbose       bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "externref [flags] <module.wasm>",
		Short: "Rewrite externref intrinsic calls and wrap the module boundary",
		Long: `Rewrite calls to the externref intrinsic imports into operations on a
single externref table, then wrap the exports and imports named in the
directives file so they carry externref values directly.

Example:
  externref -o out.wasm in.wasm
  externref --directives dirs.json --export-table refs -o out.wasm in.wasm
  externref --wit app.wit --world app -o out.wasm in.wasm`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "output path (default: overwrite the input)")
	f.StringVarP(&opts.directives, "directives", "d", "", "JSON file of boundary directives")
	f.StringVar(&opts.wit, "wit", "", "derive directives from a WIT package (.wit, directory or resolve .json)")
	f.StringVar(&opts.world, "world", "", "world to derive directives from when the package has several")
	f.StringVar(&opts.module, "module", externref.DefaultModule, "import module of the intrinsics")
	f.Int32Var(&opts.sentinel, "sentinel", externref.DefaultSentinel, "slot index meaning no value")
	f.StringVar(&opts.table, "table", "", "export name of an existing externref table to reuse")
	f.StringVar(&opts.exportTable, "export-table", "", "export the externref table under this name")
	f.Uint32Var(&opts.reservedSlots, "reserved", 0, "minimum initial table size")
	f.BoolVar(&opts.validate, "validate", true, "compile the output with wazero before writing it")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func run(cmd *cobra.Command, opts *options, input string) error {
	if opts.verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		defer func() { _ = log.Sync() }()
		externref.SetLogger(log)
	}

	cfg := externref.Config{
		Intrinsics:    externref.IntrinsicSet{Module: opts.module, Sentinel: opts.sentinel},
		Table:         opts.table,
		ExportTable:   opts.exportTable,
		ReservedSlots: opts.reservedSlots,
		Validate:      opts.validate,
	}
	if opts.directives != "" {
		dirs, err := loadDirectives(opts.directives)
		if err != nil {
			return err
		}
		cfg.Directives = dirs
	}

	in, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}
	m, err := ir.Parse(in)
	if err != nil {
		return err
	}
	if opts.wit != "" {
		derived, err := loadWorld(opts.wit, opts.world)
		if err != nil {
			return err
		}
		cfg.Directives = mergeDirectives(m, cfg.Directives, derived, externref.Logger())
	}
	rep, err := externref.TransformModule(m, cfg)
	if err != nil {
		return err
	}
	out, err := ir.Encode(m)
	if err != nil {
		return err
	}
	if cfg.Validate {
		if err := externref.Validate(cmd.Context(), out); err != nil {
			return err
		}
	}

	path := opts.output
	if path == "" {
		path = input
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write module: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), summary(m, rep, path, len(in), len(out), styled(cmd.OutOrStdout())))
	return nil
}
