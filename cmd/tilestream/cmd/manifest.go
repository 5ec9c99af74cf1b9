package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zsiec/tilestream/internal/config"
	"github.com/zsiec/tilestream/internal/manifest"
	"github.com/zsiec/tilestream/internal/tile"
)

var (
	manifestProtocol string
	manifestBaseURL  string
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Print the manifest of the configured grid and ladder",
	Long: `Print the DASH MPD or the LL-HLS multivariant playlist generated from the
engine configuration. The protocol defaults to engine.protocol.`,
	RunE: func(c *cobra.Command, _ []string) error {
		protocol := cfg.Engine.Protocol
		if c.Flags().Changed("protocol") {
			protocol = manifestProtocol
		}
		return writeManifest(c.OutOrStdout(), &cfg.Engine, protocol, manifestBaseURL)
	},
}

func init() {
	manifestCmd.Flags().StringVar(&manifestProtocol, "protocol", config.ProtocolDASH, "dash or ll-hls")
	manifestCmd.Flags().StringVar(&manifestBaseURL, "base-url", "", "segment base URL written into the document")
	rootCmd.AddCommand(manifestCmd)
}

func writeManifest(w io.Writer, engine *config.EngineConfig, protocol, baseURL string) error {
	if err := engine.Validate(); err != nil {
		return err
	}
	g, err := tile.Build(engine.GridCols, engine.GridRows, engine.ProjectionWidth, engine.ProjectionHeight)
	if err != nil {
		return err
	}
	opts := manifest.DefaultOptions(engine)
	opts.BaseURL = baseURL

	switch protocol {
	case config.ProtocolDASH:
		data, err := manifest.BuildDASH(g, engine.QualityLadder, opts)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case config.ProtocolLLHLS:
		data, err := manifest.BuildHLSMultivariant(g, engine.QualityLadder, opts)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, data)
		return err
	default:
		return fmt.Errorf("unknown protocol %q", protocol)
	}
}
