// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"log"

	"github.com/bentoformat/bento"
	"github.com/bentoformat/bento/tool"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "bento [command] (flags)",
	Short: "bento container introspection tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	t := tool.New()
	rootCmd.AddCommand(t.Commands...)
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "log container errors and events")
	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		if verbose {
			t.SetLogger(bento.DefaultLogger)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
