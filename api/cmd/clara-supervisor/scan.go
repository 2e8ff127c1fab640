package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/claraverse-space/clara-supervisor/api/pkg/config"
	"github.com/claraverse-space/clara-supervisor/api/pkg/scanner"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List discovered models and their classifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadSupervisorConfig()
			if err != nil {
				return err
			}

			sc := scanner.New(cfg.Paths.UserModelsDir, cfg.Paths.BundledModelsDir, cfg.Paths.CustomModelsDirs)
			models := sc.Scan()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCLASS\tSIZE\tCONTEXT\tSOURCE\tFILE")
			for _, m := range models {
				meta := sc.Metadata(m)
				ctx := "-"
				if meta.NativeContextTokens > 0 {
					ctx = fmt.Sprintf("%d", meta.NativeContextTokens)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					m.DisplayName,
					m.Classification,
					humanize.Bytes(uint64(m.SizeBytes)),
					ctx,
					m.Source,
					m.Filename,
				)
			}
			return w.Flush()
		},
	}
}
