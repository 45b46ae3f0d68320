package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "imgderive",
	Short: "Derive hypervisor-agnostic images from certified cloud images",
	Long:  `Converts certified cloud images into locally derived images: fetches and verifies the source artifact, installs it, boots a throwaway instance, and produces a new image and manifest.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("work-dir", "/var/tmp/imgderive", "Base directory for per-run working areas")
	rootCmd.PersistentFlags().String("output-dir", ".", "Directory for derived image deliverables")
	rootCmd.PersistentFlags().String("journal-path", ".artifacts/runs.db", "Run journal SQLite path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("source-base-url", "https://images.smartos.org/images", "Catalog base URL for short identifiers")
	rootCmd.PersistentFlags().String("keyring-path", "/usr/share/keyrings/images-certified.gpg", "GPG keyring for signature verification")
	rootCmd.PersistentFlags().Bool("insecure-transfer", true, "Skip TLS certificate verification for downloads")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "Region for s3:// source mirrors")
	rootCmd.PersistentFlags().String("prepare-script", "/usr/share/imgderive/prepare-image.sh", "Prepare script run inside the conversion instance")
	rootCmd.PersistentFlags().String("compression", "gzip", "Derived disk artifact compression")
	rootCmd.PersistentFlags().String("instance-brand", "bhyve", "Brand of the throwaway conversion instance")
	rootCmd.PersistentFlags().Int("instance-ram-mb", 256, "RAM of the conversion instance in MB")
	rootCmd.PersistentFlags().Int("instance-vcpus", 1, "VCPUs of the conversion instance")
	rootCmd.PersistentFlags().Int64("max-file-size", 2*1024*1024*1024, "Max extracted file size in bytes")
	rootCmd.PersistentFlags().Int64("max-total-size", 20*1024*1024*1024, "Max total extraction size")
	rootCmd.PersistentFlags().Float64("max-compression-ratio", 100.0, "Max compression ratio")

	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("output-dir", rootCmd.PersistentFlags().Lookup("output-dir"))
	viper.BindPFlag("journal-path", rootCmd.PersistentFlags().Lookup("journal-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("source-base-url", rootCmd.PersistentFlags().Lookup("source-base-url"))
	viper.BindPFlag("keyring-path", rootCmd.PersistentFlags().Lookup("keyring-path"))
	viper.BindPFlag("insecure-transfer", rootCmd.PersistentFlags().Lookup("insecure-transfer"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("prepare-script", rootCmd.PersistentFlags().Lookup("prepare-script"))
	viper.BindPFlag("compression", rootCmd.PersistentFlags().Lookup("compression"))
	viper.BindPFlag("instance-brand", rootCmd.PersistentFlags().Lookup("instance-brand"))
	viper.BindPFlag("instance-ram-mb", rootCmd.PersistentFlags().Lookup("instance-ram-mb"))
	viper.BindPFlag("instance-vcpus", rootCmd.PersistentFlags().Lookup("instance-vcpus"))
	viper.BindPFlag("max-file-size", rootCmd.PersistentFlags().Lookup("max-file-size"))
	viper.BindPFlag("max-total-size", rootCmd.PersistentFlags().Lookup("max-total-size"))
	viper.BindPFlag("max-compression-ratio", rootCmd.PersistentFlags().Lookup("max-compression-ratio"))
}
