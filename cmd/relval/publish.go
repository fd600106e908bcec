package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/deixis/relval/internal/publish"
)

func newPublishCmd() *cobra.Command {
	var (
		webPath    string
		pkg        string
		version    string
		bucket     string
		prefix     string
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "publish -w WEBPATH [--package PKG [--version VERSION]]",
		Short: "Upload the web tree to S3-compatible storage",
		Long: `Uploads WEBPATH/packages, or one package or package/version below it, to the
bucket configured under "publish" in .relval.yaml. Credentials come from
AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or the default AWS chain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if webPath == "" {
				return usageError(cmd, "the web path (-w) is required")
			}
			if version != "" && pkg == "" {
				return usageError(cmd, "--version needs --package")
			}

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			opts := publish.Options{
				Publish:         cfg.Publish,
				AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			}
			if bucket != "" {
				opts.Bucket = bucket
			}
			if cmd.Flags().Changed("prefix") {
				opts.Prefix = prefix
			}

			dir := filepath.Join(webPath, "packages", pkg, version)
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("nothing to publish: %w", err)
			}

			logger, closer := newLogger(cfg, cmd.ErrOrStderr())
			defer closer.Close()

			u, err := publish.New(cmd.Context(), opts, logger)
			if err != nil {
				return err
			}
			sum, err := u.Publish(cmd.Context(), webPath, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %d file(s), %d bytes to s3://%s/%s\n", sum.Files, sum.Bytes, opts.Bucket, opts.Prefix)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&webPath, "webpath", "w", "", "root of the web output tree (required)")
	f.StringVar(&pkg, "package", "", "only publish this package")
	f.StringVar(&version, "version", "", "only publish this release of the package")
	f.StringVar(&bucket, "bucket", "", "override the configured bucket")
	f.StringVar(&prefix, "prefix", "", "override the configured key prefix")
	f.StringVar(&configFile, "config", "", "explicit .relval.yaml path")
	return cmd
}
