package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/s3streamer"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"github.com/brunoagalliu/ios-phone-checker-sub000/aws"
	"github.com/brunoagalliu/ios-phone-checker-sub000/blooio"
	"github.com/brunoagalliu/ios-phone-checker-sub000/cache"
	"github.com/brunoagalliu/ios-phone-checker-sub000/classify"
	"github.com/brunoagalliu/ios-phone-checker-sub000/config"
	"github.com/brunoagalliu/ios-phone-checker-sub000/engine"
	"github.com/brunoagalliu/ios-phone-checker-sub000/ingest"
	"github.com/brunoagalliu/ios-phone-checker-sub000/preflight"
	"github.com/brunoagalliu/ios-phone-checker-sub000/rategate"
	"github.com/brunoagalliu/ios-phone-checker-sub000/repair"
	"github.com/brunoagalliu/ios-phone-checker-sub000/store"
)

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	db       *bun.DB
	log      *slog.Logger
	engine   *engine.Engine
	repairer *repair.Repairer
	ingestor *ingest.Ingestor
	loader   *ingest.ListLoader
	checker  *preflight.Checker
}

// newApp wires the full component graph: config, database, AWS clients,
// classifiers, engine, and repair.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	dynamoClient := aws.NewDynamoDBClient(dynamodb.NewFromConfig(awsCfg))
	rawS3Client := s3.NewFromConfig(awsCfg)
	s3Client := aws.NewS3Client(rawS3Client)
	iamClient := aws.NewIAMClient(iam.NewFromConfig(awsCfg))

	db := store.Open(cfg.DatabaseURL)
	if err := store.InitSchema(ctx, db); err != nil {
		return nil, err
	}

	files := store.NewDBFiles(db)
	chunks := store.NewDBChunks(db)
	results := store.NewDBResults(db)

	verdictCache := cache.NewDynamoStore(dynamoClient, cfg.CacheTable, cfg.CacheTTL())
	gate := rategate.New(cfg.RateLimitRPS)

	classifiers := map[string]classify.Classifier{
		config.ServiceBlooio: classify.NewPhoneClassifier(
			blooio.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout),
			verdictCache, gate, cfg.MaxRetries, log),
		config.ServiceBlooioBulk: classify.NewBulkClassifier(
			blooio.NewBulkClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout),
			verdictCache, cfg.MaxRetries, log),
	}

	exporter := engine.NewS3Exporter(s3Client, cfg.GetResultsBucket(), cfg.GetResultsPrefix())
	eng := engine.New(cfg, files, chunks, results, classifiers, exporter, log)

	return &app{
		cfg:      cfg,
		db:       db,
		log:      log,
		engine:   eng,
		repairer: repair.NewRepairer(files, chunks, results, verdictCache, classifiers[config.ServiceBlooio], log),
		ingestor: ingest.NewIngestor(files, chunks, cfg, log),
		loader:   ingest.NewListLoader(s3streamer.NewS3Streamer(rawS3Client), log),
		checker:  preflight.NewChecker(iamClient, log),
	}, nil
}

func (a *app) close() {
	_ = a.db.Close()
}

func newWorkerCmd() *cobra.Command {
	var principalARN, cacheTableARN string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if principalARN != "" {
				if cacheTableARN == "" {
					return fmt.Errorf("--cache-table-arn is required with --principal-arn")
				}
				bucketARN := "arn:aws:s3:::" + a.cfg.GetResultsBucket()
				if err := a.checker.Check(ctx, principalARN, cacheTableARN, bucketARN); err != nil {
					return fmt.Errorf("preflight failed: %w", err)
				}
			}

			fmt.Printf("Starting %d worker lane(s), pacing %d rps\n", a.cfg.Workers, a.cfg.RateLimitRPS)
			if err := a.engine.Run(ctx); err != nil {
				return err
			}
			fmt.Println(a.engine.Metrics().GenerateReport())
			return nil
		},
	}

	cmd.Flags().StringVar(&principalARN, "principal-arn", "", "IAM principal to preflight before starting")
	cmd.Flags().StringVar(&cacheTableARN, "cache-table-arn", "", "Cache table ARN for the preflight")
	return cmd
}

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single worker invocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			worked, err := a.engine.Tick(ctx)
			if err != nil {
				return err
			}
			if !worked {
				fmt.Println("No runnable file")
				return nil
			}
			fmt.Println(a.engine.Metrics().GenerateReport())
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	var fileID, fileName, service, listURI string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an uploaded file from its validated phone list",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			bucket, key, err := splitS3URI(listURI)
			if err != nil {
				return err
			}
			phones, err := a.loader.Load(ctx, bucket, key)
			if err != nil {
				return err
			}

			file, err := a.ingestor.InitFile(ctx, ingest.FileMeta{
				ID:       fileID,
				FileName: fileName,
				Service:  service,
			}, phones)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized file %s: %d phones, status %s\n",
				file.ID, file.ProcessingTotal, file.ProcessingStatus)
			return nil
		},
	}

	cmd.Flags().StringVar(&fileID, "file-id", "", "File id (generated when omitted)")
	cmd.Flags().StringVar(&fileName, "file-name", "", "Original file name")
	cmd.Flags().StringVar(&service, "service", config.ServiceBlooio, "Classifier service variant")
	cmd.Flags().StringVar(&listURI, "list", "", "S3 URI of the validated phone list (s3://bucket/key)")
	_ = cmd.MarkFlagRequired("list")
	return cmd
}

func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <file-id>",
		Short: "Show processing progress for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.engine.FileProgress(ctx, args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("file %s not found", args[0])
			}
			fmt.Printf("%s: %s %d/%d (%.2f%%)\n", p.FileID, p.Status, p.Offset, p.Total, p.Progress)
			if p.LastError != "" {
				fmt.Printf("last error: %s\n", p.LastError)
			}
			if p.ResultsURL != "" {
				fmt.Printf("results: %s\n", p.ResultsURL)
			}
			return nil
		},
	}
}

func newActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List files in flight or resumable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			files, err := a.engine.ActiveFiles(ctx)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Printf("%s\t%s\t%d/%d\t%.2f%%\t%s\n",
					f.ID, f.ProcessingStatus, f.ProcessingOffset, f.ProcessingTotal,
					f.ProcessingProgress, f.FileName)
			}
			return nil
		},
	}
}

func newDownloadCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Write a completed file's results CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			w := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return a.engine.WriteResultsCSV(ctx, w, args[0])
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (stdout when omitted)")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <file-id>",
		Short: "Cancel processing for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			return a.engine.Cancel(ctx, args[0])
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <file-id>",
		Short: "Put a resumable file back into rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			return a.engine.Resume(ctx, args[0])
		},
	}
}

func newRepairCmd() *cobra.Command {
	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Reconcile a file's chunks and results",
	}

	repairCmd.AddCommand(
		&cobra.Command{
			Use:   "rebuild-chunks <file-id>",
			Short: "Replace the chunk queue with only unprocessed phones",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext()
				defer cancel()

				a, err := newApp(ctx)
				if err != nil {
					return err
				}
				defer a.close()
				return a.repairer.RebuildChunks(ctx, args[0])
			},
		},
		&cobra.Command{
			Use:   "create-missing-chunks <file-id>",
			Short: "Append chunks for phones missing from queue and results",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext()
				defer cancel()

				a, err := newApp(ctx)
				if err != nil {
					return err
				}
				defer a.close()
				return a.repairer.CreateMissingChunks(ctx, args[0])
			},
		},
		&cobra.Command{
			Use:   "reprocess <file-id> <e164>",
			Short: "Re-classify a single phone from scratch",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := signalContext()
				defer cancel()

				a, err := newApp(ctx)
				if err != nil {
					return err
				}
				defer a.close()
				return a.repairer.ReprocessSingle(ctx, args[0], args[1])
			},
		},
	)
	return repairCmd
}

// splitS3URI parses s3://bucket/key into its parts.
func splitS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid S3 URI scheme: %s", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("S3 URI missing key: %s", uri)
	}
	return u.Host, key, nil
}
