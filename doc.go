// Package filestore defines a uniform file-operation interface over
// heterogeneous storage backends.
//
// Backends live in sub-packages:
//
//   - ftpfs: FTP and FTPS servers, with a staged connection bootstrap
//   - localfs: a directory on the local disk
//   - s3fs: Amazon S3
//   - miniofs: MinIO and other S3 compatible stores
//   - gcsfs: Google Cloud Storage
//   - azurefs: Azure Blob Storage
//
// The config package selects and builds a backend from a YAML file.
//
// # Basic Usage
//
//	opts, err := ftpfs.OptionsFromMap(map[string]any{
//	    "host":     "ftp.example.com",
//	    "username": "foo",
//	    "password": "pass",
//	    "root":     "/upload",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fs := ftpfs.New(opts, ftpfs.NewProvider(logger), logger)
//	defer fs.Close()
//
//	err = fs.Write(ctx, "reports/today.csv", strings.NewReader(data))
package filestore
