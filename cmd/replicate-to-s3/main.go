// Command replicate-to-s3 streams a PostgreSQL logical replication
// publication into chunked objects on an S3-compatible bucket: an initial
// consistent snapshot of each published table, then a continuous tail of
// logical replication events, resumable from sink state alone.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("replicate-to-s3 exited with error")
		os.Exit(1)
	}
}
