// pkg/archiver/archiver.go
package archiver

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/utils"

	gcs "cloud.google.com/go/storage"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3manager"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Archiver uploads a completed task's directory to an optional cloud
// destination (§ SUPPLEMENTAL FEATURES: Archival of completed downloads),
// adapted from the teacher's whole-repository BackupService down to a
// per-task unit of work.
type Archiver struct {
	config            *config.Config
	log               *utils.Logger
	awsSession        *session.Session
	s3Client          *s3.S3
	gcsClient         *gcs.Client
	azureContainerURL azblob.ContainerURL
}

// New builds an Archiver. It returns (nil, nil) when archival is disabled
// or no provider is configured, matching the teacher's "optional service"
// convention of a nil return meaning "not active" rather than an error.
func New(cfg *config.Config, log *utils.Logger) (*Archiver, error) {
	if !cfg.Archive.Enabled {
		log.Info("archival disabled")
		return nil, nil
	}

	a := &Archiver{config: cfg, log: log}
	secrets := config.LoadSecrets()

	switch cfg.Archive.Provider {
	case "aws":
		if err := a.initAWS(secrets.AWSAccessKeyID, secrets.AWSSecretAccessKey); err != nil {
			return nil, fmt.Errorf("failed to initialize AWS client: %w", err)
		}
	case "gcp":
		if err := a.initGCP(secrets.GCPCredentialsFile); err != nil {
			return nil, fmt.Errorf("failed to initialize GCP client: %w", err)
		}
	case "azure":
		if err := a.initAzure(secrets.AzureStorageAccountKey); err != nil {
			return nil, fmt.Errorf("failed to initialize Azure client: %w", err)
		}
	default:
		log.Warn("no archive provider configured despite archival being enabled")
		return nil, nil
	}

	return a, nil
}

func (a *Archiver) initAWS(accessKey, secretKey string) error {
	if accessKey == "" || secretKey == "" {
		return fmt.Errorf("AWS credentials not provided")
	}
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(a.config.Archive.AWS.Region),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
	})
	if err != nil {
		return fmt.Errorf("failed to create AWS session: %w", err)
	}
	a.awsSession = sess
	a.s3Client = s3.New(sess)
	return nil
}

func (a *Archiver) initGCP(credentialsFile string) error {
	if a.config.Archive.GCP.Bucket == "" {
		return fmt.Errorf("GCP bucket name is not configured")
	}
	if credentialsFile == "" {
		return fmt.Errorf("GCP credentials file path not provided")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := gcs.NewClient(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return fmt.Errorf("failed to create GCP client: %w", err)
	}

	if _, err := client.Bucket(a.config.Archive.GCP.Bucket).Attrs(ctx); err != nil {
		client.Close()
		return fmt.Errorf("failed to access bucket %s: %w", a.config.Archive.GCP.Bucket, err)
	}

	a.gcsClient = client
	return nil
}

func (a *Archiver) initAzure(accountKey string) error {
	if a.config.Archive.Azure.StorageAccount == "" || a.config.Archive.Azure.Container == "" {
		return fmt.Errorf("Azure storage account or container not configured")
	}
	if accountKey == "" {
		return fmt.Errorf("Azure storage account key not provided")
	}

	credential, err := azblob.NewSharedKeyCredential(a.config.Archive.Azure.StorageAccount, accountKey)
	if err != nil {
		return fmt.Errorf("failed to create Azure credentials: %w", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	containerURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net/%s",
		a.config.Archive.Azure.StorageAccount, a.config.Archive.Azure.Container))
	if err != nil {
		return fmt.Errorf("failed to parse container URL: %w", err)
	}
	a.azureContainerURL = azblob.NewContainerURL(*containerURL, pipeline)
	return nil
}

// ArchiveTask uploads every file under a completed task's directory to
// the configured provider, keyed by "<taskID>/<relative path>".
func (a *Archiver) ArchiveTask(taskID, taskDir string) error {
	if _, err := os.Stat(taskDir); err != nil {
		return fmt.Errorf("task directory not accessible: %w", err)
	}

	switch a.config.Archive.Provider {
	case "aws":
		return a.archiveToAWS(taskID, taskDir)
	case "gcp":
		return a.archiveToGCP(taskID, taskDir)
	case "azure":
		return a.archiveToAzure(taskID, taskDir)
	}
	return fmt.Errorf("no archive provider configured")
}

func (a *Archiver) walkFiles(taskDir string, fn func(relKey, path string, size int64) error) error {
	return filepath.Walk(taskDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(taskDir, path)
		if err != nil {
			return err
		}
		return fn(relPath, path, info.Size())
	})
}

func (a *Archiver) archiveToAWS(taskID, taskDir string) error {
	uploader := s3manager.NewUploader(a.awsSession)
	return a.walkFiles(taskDir, func(relKey, path string, size int64) error {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer file.Close()

		key := taskID + "/" + relKey
		_, err = uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(a.config.Archive.AWS.Bucket),
			Key:    aws.String(key),
			Body:   file,
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
		a.log.WithFunc().WithFields(logrus.Fields{"task": taskID, "key": key, "size": size}).Debug("archived file to AWS")
		return nil
	})
}

func (a *Archiver) archiveToGCP(taskID, taskDir string) error {
	ctx := context.Background()
	bucket := a.gcsClient.Bucket(a.config.Archive.GCP.Bucket)

	return a.walkFiles(taskDir, func(relKey, path string, size int64) error {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer file.Close()

		key := taskID + "/" + relKey
		w := bucket.Object(key).NewWriter(ctx)
		if _, err := io.Copy(w, file); err != nil {
			w.Close()
			return fmt.Errorf("uploading %s: %w", key, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("finalizing upload %s: %w", key, err)
		}
		a.log.WithFunc().WithFields(logrus.Fields{"task": taskID, "key": key, "size": size}).Debug("archived file to GCP")
		return nil
	})
}

func (a *Archiver) archiveToAzure(taskID, taskDir string) error {
	ctx := context.Background()

	return a.walkFiles(taskDir, func(relKey, path string, size int64) error {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer file.Close()

		key := taskID + "/" + relKey
		blobURL := a.azureContainerURL.NewBlockBlobURL(key)
		if _, err := azblob.UploadFileToBlockBlob(ctx, file, blobURL, azblob.UploadToBlockBlobOptions{}); err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
		a.log.WithFunc().WithFields(logrus.Fields{"task": taskID, "key": key, "size": size}).Debug("archived file to Azure")
		return nil
	})
}
