// apteryxd is the Apteryx datastore daemon: it serves the path tree
// over one or more unix/tcp listeners and hosts the callback registry
// for watchers, validators, providers, refreshers, indexers and
// proxies.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/embed"
	"github.com/apteryxio/apteryxd/pkg/flags"
	"github.com/apteryxio/apteryxd/pkg/osutil"
	"github.com/apteryxio/apteryxd/version"
)

func main() {
	cfg := embed.NewConfig()
	fs := flag.NewFlagSet("apteryxd", flag.ExitOnError)
	cfg.AddFlags(fs)
	printVersion := fs.Bool("version", false, "Print the version and exit.")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *printVersion {
		fmt.Printf("apteryxd version %s\nGit SHA: %s\nAPI version: %s\n",
			version.Version, version.GitSHA, version.APIVersion)
		os.Exit(0)
	}
	if err := flags.SetFlagsFromEnv(nil, "APTERYX", fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg.ApplyFlags(fs)

	if err := cfg.SetupLogging(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	lg := cfg.GetLogger()

	a, err := embed.StartApteryxd(cfg)
	if err != nil {
		lg.Fatal("failed to start apteryxd", zap.Error(err))
	}

	osutil.RegisterInterruptHandler(a.Stop)
	osutil.HandleInterrupts(lg)

	lg.Info("apteryxd started",
		zap.String("version", version.Version),
		zap.Strings("listen-uris", cfg.ListenURIs))

	if err := <-a.Err(); err != nil {
		lg.Error("listener failed", zap.Error(err))
		a.Stop()
		osutil.Exit(1)
	}
}
