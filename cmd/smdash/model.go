package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/artifact"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/pipeline"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/state"
)

var (
	archiveOut     string
	entryPointFile string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the tokenizer and model into the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := a.hub().Fetch(cmd.Context(), a.cfg.ModelID, a.cfg.ModelRevision)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), snap.Dir)
		for _, f := range snap.Files {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", f)
		}
		return nil
	},
}

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Package the cached model and inference code as model.tar.gz",
	Long: `Package fetches the model (reusing the cache) and writes the archive the
inference runtime expects: model files at the root and the inference entry
point under code/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ep, err := loadEntryPoint(entryPointFile)
		if err != nil {
			return err
		}
		snap, err := a.hub().Fetch(cmd.Context(), a.cfg.ModelID, a.cfg.ModelRevision)
		if err != nil {
			return err
		}
		out := archiveOut
		if out == "" {
			out = pipeline.ArchivePath(a.cfg)
		}
		m, err := artifact.PackageFile(snap, ep, out)
		if err != nil {
			return err
		}
		a.logger.Info().Str("archive", out).Int64("bytes", m.Size).Str("sha256", m.SHA256).Int("files", len(m.Files)).Msg("packaged")
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload the packaged archive to the artifact bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := archiveOut
		if path == "" {
			path = pipeline.ArchivePath(a.cfg)
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open archive (run \"smdash package\" first): %w", err)
		}
		err = artifact.Verify(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("verify %s: %w", path, err)
		}

		u, err := a.uploader(cmd.Context())
		if err != nil {
			return err
		}
		uri, err := u.Upload(cmd.Context(), a.cfg.Bucket, a.cfg.ArtifactKey(), path)
		if err != nil {
			return err
		}
		a.record(state.KindArtifact, uri, nil)
		fmt.Fprintln(cmd.OutOrStdout(), uri)
		return nil
	},
}

func loadEntryPoint(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := artifact.ValidateEntryPoint(src); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return src, nil
}

func init() {
	packageCmd.Flags().StringVarP(&archiveOut, "out", "o", "", "archive path (default <cache>/archives/<model>-<revision>.tar.gz)")
	packageCmd.Flags().StringVar(&entryPointFile, "entry-point", "", "custom inference.py (default: bundled text-generation handlers)")
	uploadCmd.Flags().StringVar(&archiveOut, "archive", "", "archive to upload (default <cache>/archives/<model>-<revision>.tar.gz)")
	rootCmd.AddCommand(fetchCmd, packageCmd, uploadCmd)
}
