package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/scholarpipe/harvester/internal/config"
	"github.com/scholarpipe/harvester/internal/dedup"
	"github.com/scholarpipe/harvester/internal/diagnostic"
	"github.com/scholarpipe/harvester/internal/entry"
	"github.com/scholarpipe/harvester/internal/fetcher"
	"github.com/scholarpipe/harvester/internal/ingest"
	"github.com/scholarpipe/harvester/internal/metadataclient"
	"github.com/scholarpipe/harvester/internal/metrics"
	"github.com/scholarpipe/harvester/internal/orchestrator"
	"github.com/scholarpipe/harvester/internal/ratelimit"
	"github.com/scholarpipe/harvester/internal/repository"
	"github.com/scholarpipe/harvester/internal/reversepass"
	"github.com/scholarpipe/harvester/internal/store"
	"github.com/scholarpipe/harvester/internal/structuring"
	"github.com/scholarpipe/harvester/internal/thumbnail"
	"github.com/scholarpipe/harvester/pkg/log"
)

// Exit codes (spec §6).
const (
	exitConfigError    = 2
	exitInputError     = 3
	exitPartialFailure = 4
	exitCancelled      = 130
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitStatus carries a specific process exit code through cobra's
// error-returning RunE convention.
type exitStatus struct {
	code int
	err  error
}

func (e *exitStatus) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func exitCodeFor(err error) int {
	if es, ok := err.(*exitStatus); ok {
		return es.code
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "Scholarly article harvester and ingestion pipeline",
	Long: `harvester turns a list of article identifiers (DOIs, PMIDs, PMCIDs,
or a CORD-19 metadata CSV) into a repository of PDFs, JATS XML, and
structured TEI, driven by a single-host bounded-concurrency pipeline.`,
	RunE: runHarvest,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address to serve Prometheus metrics on (disabled if empty)")
	rootCmd.PersistentFlags().Bool("dry-run", false, "Ingest and validate input only; do not run the pipeline")

	rootCmd.Flags().String("config", "./config.json", "Configuration file path")
	rootCmd.Flags().String("dois", "", "Input file: one DOI per line")
	rootCmd.Flags().String("pmids", "", "Input file: one PMID per line")
	rootCmd.Flags().String("pmcids", "", "Input file: one PMCID per line")
	rootCmd.Flags().String("cord19", "", "Input file: CORD-19 metadata CSV")
	rootCmd.Flags().Bool("reset", false, "Clear repository and State Store before starting")
	rootCmd.Flags().Bool("reprocess", false, "Re-run only entries currently in failed")
	rootCmd.Flags().Bool("grobid", false, "Enable PDF-to-TEI structuring")
	rootCmd.Flags().Bool("thumbnail", false, "Generate thumbnails")
	rootCmd.Flags().Bool("annotation", false, "Request reference annotations")
	rootCmd.Flags().Bool("diagnostic", false, "Run reporter only")
	rootCmd.Flags().Bool("dump", false, "Emit consolidated metadata JSON")
	rootCmd.Flags().String("thumbnail-binary", "pdftoppm", "Raster tool binary for --thumbnail")

	cobra.OnInitialize(initLogging)

	reverseTransformCmd.Flags().String("config", "./config.json", "Configuration file path")
	reverseTransformCmd.Flags().String("batch-transformer", "", "Batch JATS-to-TEI transformer binary (defaults to jats_transformer_path from config, then pub2tei-batch)")
	rootCmd.AddCommand(reverseTransformCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var reverseTransformCmd = &cobra.Command{
	Use:   "reverse-transform",
	Short: "Run the JATS-to-TEI reverse transform pass over the repository",
	RunE:  runReverseTransform,
}

func runReverseTransform(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	binaryPath, _ := cmd.Flags().GetString("batch-transformer")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return &exitStatus{code: exitConfigError, err: err}
	}

	if binaryPath == "" {
		binaryPath = cfg.JATSTransformerPath
	}
	if binaryPath == "" {
		binaryPath = "pub2tei-batch"
	}

	st, err := store.Open(cfg.DataPath)
	if err != nil {
		return &exitStatus{code: exitConfigError, err: fmt.Errorf("opening state store: %w", err)}
	}
	defer st.Close()

	repo, err := buildRepository(cfg)
	if err != nil {
		return &exitStatus{code: exitConfigError, err: err}
	}

	runner := reversepass.New(st, repo, reversepass.Options{BinaryPath: binaryPath}, log.Logger)
	summary, err := runner.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("reverse transform pass: %w", err)
	}

	fmt.Printf("scanned: %d, transformed: %d, failed: %d\n", summary.Scanned, summary.Transformed, summary.Failed)
	if summary.Failed > 0 {
		return &exitStatus{code: exitPartialFailure}
	}
	return nil
}

func runHarvest(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	doisPath, _ := cmd.Flags().GetString("dois")
	pmidsPath, _ := cmd.Flags().GetString("pmids")
	pmcidsPath, _ := cmd.Flags().GetString("pmcids")
	cord19Path, _ := cmd.Flags().GetString("cord19")
	reset, _ := cmd.Flags().GetBool("reset")
	reprocess, _ := cmd.Flags().GetBool("reprocess")
	grobid, _ := cmd.Flags().GetBool("grobid")
	wantThumbnail, _ := cmd.Flags().GetBool("thumbnail")
	annotation, _ := cmd.Flags().GetBool("annotation")
	diagnosticOnly, _ := cmd.Flags().GetBool("diagnostic")
	dump, _ := cmd.Flags().GetBool("dump")
	thumbnailBinary, _ := cmd.Flags().GetString("thumbnail-binary")
	metricsAddr, _ := rootCmd.PersistentFlags().GetString("metrics-addr")
	dryRun, _ := rootCmd.PersistentFlags().GetBool("dry-run")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return &exitStatus{code: exitConfigError, err: err}
	}

	st, err := store.Open(cfg.DataPath)
	if err != nil {
		return &exitStatus{code: exitConfigError, err: fmt.Errorf("opening state store: %w", err)}
	}
	defer st.Close()

	repo, err := buildRepository(cfg)
	if err != nil {
		return &exitStatus{code: exitConfigError, err: err}
	}

	if reset {
		if err := st.Reset(); err != nil {
			return &exitStatus{code: exitConfigError, err: fmt.Errorf("resetting state store: %w", err)}
		}
		if err := repo.DeletePrefix(cmd.Context(), ""); err != nil {
			return &exitStatus{code: exitConfigError, err: fmt.Errorf("resetting repository: %w", err)}
		}
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)
	}

	if diagnosticOnly {
		report := diagnostic.Run(st)
		if err := diagnostic.WriteText(os.Stdout, report); err != nil {
			return err
		}
		return diagnostic.WriteJSON(os.Stdout, report)
	}

	if dump {
		return dumpMetadata(os.Stdout, st)
	}

	inputsGiven := countNonEmpty(doisPath, pmidsPath, pmcidsPath, cord19Path)
	if inputsGiven > 1 {
		return &exitStatus{code: exitInputError, err: fmt.Errorf("only one of --dois, --pmids, --pmcids, --cord19 may be given")}
	}

	resolver := dedup.NewResolver()
	if inputsGiven == 1 {
		if err := runIngest(doisPath, pmidsPath, pmcidsPath, cord19Path, resolver, st); err != nil {
			return &exitStatus{code: exitInputError, err: err}
		}
	}

	if dryRun {
		fmt.Println("dry run: input ingested, pipeline not started")
		return nil
	}

	o, err := buildOrchestrator(cfg, st, repo, grobid, wantThumbnail, annotation, thumbnailBinary)
	if err != nil {
		return &exitStatus{code: exitConfigError, err: err}
	}

	var ids []string
	if reprocess {
		ids = o.Reprocess()
	} else {
		ids = o.ResumeWorkItems()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := o.Run(ctx, ids)
	if err != nil {
		return fmt.Errorf("pipeline run: %w", err)
	}

	fmt.Printf("processed: %d, succeeded: %d, failed: %d\n", summary.Processed, summary.Succeeded, summary.Failed)
	report := diagnostic.Run(st)
	_ = diagnostic.WriteText(os.Stdout, report)

	if summary.Cancelled {
		return &exitStatus{code: exitCancelled}
	}
	if summary.Failed > 0 {
		return &exitStatus{code: exitPartialFailure}
	}
	return nil
}

func countNonEmpty(vals ...string) int {
	n := 0
	for _, v := range vals {
		if v != "" {
			n++
		}
	}
	return n
}

func runIngest(doisPath, pmidsPath, pmcidsPath, cord19Path string, resolver *dedup.Resolver, st *store.Store) error {
	switch {
	case doisPath != "":
		summary, err := ingest.FromDOIList(doisPath, resolver, st)
		if err != nil {
			return err
		}
		fmt.Printf("ingested %d rows, %d distinct entries\n", summary.RowsRead, summary.DistinctIDs)
	case pmidsPath != "":
		summary, err := ingest.FromPMIDList(pmidsPath, resolver, st)
		if err != nil {
			return err
		}
		fmt.Printf("ingested %d rows, %d distinct entries\n", summary.RowsRead, summary.DistinctIDs)
	case pmcidsPath != "":
		summary, err := ingest.FromPMCIDList(pmcidsPath, resolver, st)
		if err != nil {
			return err
		}
		fmt.Printf("ingested %d rows, %d distinct entries\n", summary.RowsRead, summary.DistinctIDs)
	case cord19Path != "":
		summary, err := ingest.FromCORD19(cord19Path, resolver, st, func(msg string) {
			log.Logger.Warn().Msg(msg)
		})
		if err != nil {
			return err
		}
		fmt.Printf("ingested %d rows, %d distinct entries, %d skipped\n", summary.RowsRead, summary.DistinctIDs, summary.SkippedRows)
	}
	return nil
}

func buildRepository(cfg config.Config) (repository.Repository, error) {
	if !cfg.UsesObjectStore() {
		return repository.NewLocalRepository(cfg.DataPath)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	region := cfg.S3Region
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.Region = aws.ToString(&region) })
	return repository.NewS3Repository(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func buildOrchestrator(cfg config.Config, st *store.Store, repo repository.Repository, grobid, wantThumbnail, annotation bool, thumbnailBinary string) (*orchestrator.Orchestrator, error) {
	httpClient := &http.Client{}
	rl := ratelimit.NewServiceLimiters(cfg.RateLimitPerSecond)
	hosts := ratelimit.NewHostSemaphores(cfg.PerHostLimit)

	pmcArchiveGet := pmcArchiveGetter(cfg)

	metaOpts := metadataclient.Options{
		AggregatorURL:  cfg.BibliographicAggregatorURL,
		DOIRegistryURL: cfg.DOIRegistryURL,
		OALocatorURL:   cfg.OALocatorURL,
		ContactEmail:   cfg.ContactEmail,
		PMCOAArchiveLookup: func(pmcid string) (string, bool) {
			if cfg.LegacyDataPath == "" {
				return "", false
			}
			if _, err := os.Stat(pmcArchivePath(cfg, pmcid)); err != nil {
				return "", false
			}
			return "pmc-archive://" + pmcid, true
		},
		CORD19PublisherPDFLookup: cord19PublisherLookup(cfg),
	}
	metaClient := metadataclient.New(httpClient, metaOpts, rl, log.Logger)

	fetchClient := fetcher.New(httpClient, hosts, fetcher.Options{
		PMCArchiveGet: pmcArchiveGet,
	}, log.Logger)

	var pdfToTEI *structuring.Client
	if grobid && cfg.PDFStructuringURL != "" {
		pdfToTEI = structuring.New(httpClient, structuring.Options{
			URL:                  cfg.PDFStructuringURL,
			RequestConsolidation: true,
			RequestCoordinates:   annotation,
			BytesPerSecondBudget: 50_000,
		})
	}

	var thumbGen *thumbnail.Generator
	if wantThumbnail {
		thumbGen = thumbnail.New(thumbnailBinary)
	}

	opts := orchestrator.Options{
		BatchSize:             cfg.BatchSize,
		PerStageRetries:       cfg.PerStageRetries,
		MaxBackoff:            cfg.MaxBackoff(),
		GraceWindow:           cfg.Grace(),
		TimeoutMetadata:       cfg.TimeoutMetadata(),
		TimeoutPDFFetch:       cfg.TimeoutPDFFetch(),
		TimeoutJATSFetch:      cfg.TimeoutJATSFetch(),
		TimeoutPDFStructuring: cfg.TimeoutPDFStructuring(),
		EnableGrobid:          grobid,
		EnableThumbnail:       wantThumbnail,
		EnableAnnotation:      annotation,
	}
	if thumbGen != nil {
		opts.ThumbnailFn = func(ctx context.Context, id string, pdf []byte) error {
			results, err := thumbGen.Generate(ctx, pdf)
			if err != nil {
				return err
			}
			for _, r := range results {
				path := repository.Layout{ID: id}.Thumbnail(fmt.Sprintf("%d", r.HeightPx))
				if err := repo.Put(ctx, path, bytes.NewReader(r.PNG)); err != nil {
					return err
				}
			}
			return nil
		}
	}

	return orchestrator.New(st, repo, metaClient, fetchClient, pdfToTEI, opts, log.Logger), nil
}

// pmcArchivePath is where the local PMC OA mirror keeps a given PMCID's
// archive tarball (spec §4.3 "resolve PMCID to an archive
// URL via the local index" — the local index here is a flat directory
// keyed by PMCID).
func pmcArchivePath(cfg config.Config, pmcid string) string {
	return filepath.Join(cfg.LegacyDataPath, "pmc", pmcid+".tar.gz")
}

// pmcArchiveGetter opens the local PMC OA archive mirror for a PMCID.
func pmcArchiveGetter(cfg config.Config) func(ctx context.Context, pmcid string) (io.ReadCloser, error) {
	return func(ctx context.Context, pmcid string) (io.ReadCloser, error) {
		if cfg.LegacyDataPath == "" {
			return nil, fmt.Errorf("no local PMC OA archive mirror configured")
		}
		return os.Open(pmcArchivePath(cfg, pmcid))
	}
}

func cord19PublisherLookup(cfg config.Config) func(ids entry.Identifiers) (string, bool) {
	if cfg.CORD19PublisherPDFPath == "" {
		return nil
	}
	return func(ids entry.Identifiers) (string, bool) {
		if ids.CordID == "" {
			return "", false
		}
		path := filepath.Join(cfg.CORD19PublisherPDFPath, ids.CordID+".pdf")
		if _, err := os.Stat(path); err != nil {
			return "", false
		}
		return "file://" + path, true
	}
}

func dumpMetadata(w io.Writer, st *store.Store) error {
	type row struct {
		ID       string         `json:"id"`
		Metadata entry.Metadata `json:"metadata"`
	}
	var rows []row
	for _, e := range st.IterAll() {
		rows = append(rows, row{ID: e.ID, Metadata: e.Metadata})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
