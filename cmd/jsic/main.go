// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Program jsic runs inline cache scenarios and reports what the caches did.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"gate.computer/jsic/config"
	"gate.computer/jsic/vm"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	log.SetFlags(0)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] scenario...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Scenarios:\n")
		for _, name := range scenarioNames() {
			fmt.Fprintf(os.Stderr, "  %-12s %s\n", name, scenarios[name].doc)
		}
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}

	var (
		configFile  = ""
		tier        = ""
		verbosity   = 0
		logFile     = ""
		rounds      = 3
		threads     = 4
		dumpText    = false
		profileFile = ""
		profileText = false
	)

	flag.StringVar(&configFile, "config", configFile, "TOML configuration file")
	flag.StringVar(&tier, "tier", tier, "compiler tier ("+strings.Join(config.Default().TierNames(), ", ")+")")
	flag.IntVar(&verbosity, "v", verbosity, "log verbosity")
	flag.StringVar(&logFile, "log", logFile, "log file instead of stderr")
	flag.IntVar(&rounds, "rounds", rounds, "repetitions of each access")
	flag.IntVar(&threads, "threads", threads, "concurrent threads in the transition scenario")
	flag.BoolVar(&dumpText, "dumptext", dumpText, "disassemble the generated code to stdout")
	flag.StringVar(&profileFile, "profile", profileFile, "write a CBOR cache profile to a file")
	flag.BoolVar(&profileText, "report", profileText, "print the cache profile to stdout")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	for _, name := range flag.Args() {
		if _, found := scenarios[name]; !found {
			fmt.Fprintf(os.Stderr, "%s: unknown scenario: %s\n", os.Args[0], name)
			os.Exit(2)
		}
	}

	c := config.Default()
	if configFile != "" {
		var err error
		if c, err = config.Load(configFile); err != nil {
			log.Fatal(err)
		}
	}
	if tier != "" {
		c.Tier = tier
	}
	if verbosity != 0 {
		c.Log.Verbosity = verbosity
	}
	if logFile != "" {
		c.Log.Path = logFile
	}
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}

	var path *string
	if c.Log.Path != "" {
		path = &c.Log.Path
	}
	commonlog.Configure(c.Log.Verbosity, path)

	v, err := vm.New(c)
	if err != nil {
		log.Fatal(err)
	}

	s := &session{
		vm:      v,
		t:       v.NewThread(),
		out:     os.Stdout,
		rounds:  rounds,
		threads: threads,
	}

	for _, name := range flag.Args() {
		fmt.Printf("# %s\n", name)
		if err := scenarios[name].run(s); err != nil {
			log.Fatalf("%s: %v", name, err)
		}
	}

	if dumpText {
		if err := v.Disassemble(os.Stdout); err != nil {
			log.Fatal(err)
		}
	}

	p := v.Profile()

	if profileText {
		if err := p.Fprint(os.Stdout); err != nil {
			log.Fatal(err)
		}
	}

	if profileFile != "" {
		data, err := p.Marshal()
		if err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(profileFile, data, 0o666); err != nil {
			log.Fatal(err)
		}
	}
}
