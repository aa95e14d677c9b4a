package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kbpf-dev/kbpf/internal/kallsyms"
	"github.com/kbpf-dev/kbpf/internal/logging"
	"github.com/kbpf-dev/kbpf/link"
)

func newSymbolsCmd(logger func() logrus.FieldLogger) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "symbols <target|symbol|address>...",
		Short: "Resolve probe targets, symbols or addresses from a kallsyms file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			table, err := kallsyms.Parse(f, nil)
			if err != nil {
				return err
			}
			logger().WithField("path", path).Debugf("Parsed %d symbols", table.Len())

			out := cmd.OutOrStdout()
			for _, arg := range args {
				fmt.Fprintln(out, describe(table, arg, logger()))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "kallsyms", kallsyms.DefaultPath, "kallsyms-format symbol table")
	return cmd
}

// describe resolves a single argument: an attach target, a bare symbol or a
// hex address.
func describe(table *kallsyms.Symbols, arg string, log logrus.FieldLogger) string {
	if hexAddr, ok := strings.CutPrefix(arg, "0x"); ok {
		addr, err := strconv.ParseUint(hexAddr, 16, 64)
		if err != nil {
			return fmt.Sprintf("%s: %s", arg, err)
		}
		log.WithField(logging.FieldAddr, fmt.Sprintf("%#x", addr)).Debug("Symbolizing address")
		name, off, ok := table.Symbolize(addr)
		if !ok {
			return fmt.Sprintf("%s: no symbol", arg)
		}
		return fmt.Sprintf("%s: %s()+%#x", arg, name, off)
	}

	symbol := arg
	if strings.Contains(arg, "$") {
		typ, sym, err := link.ParseTarget(arg)
		if err != nil {
			return fmt.Sprintf("%s: %s", arg, err)
		}
		log.WithField(logging.FieldSymbol, sym).Debugf("Target is a %s", typ)
		symbol = sym
	}

	addr, err := table.Lookup(symbol)
	if err != nil {
		return fmt.Sprintf("%s: %s", arg, err)
	}
	if mod := table.Module(symbol); mod != "" {
		return fmt.Sprintf("%s: %#x [%s]", arg, addr, mod)
	}
	return fmt.Sprintf("%s: %#x", arg, addr)
}
