// Package archive reconstructs historical feature snapshots from the
// exchange's public S3 data archive. It is an offline pipeline: one day
// at a time is downloaded, processed into the store and deleted, so the
// working set stays within a small disk budget.
//
// Bucket layout (requester-pays):
//
//	raw/perp_and_spot_balances/YYYY/MM/DD/  — JSONL, account snapshots
//	raw/node_fills/hourly/YYYY/MM/DD/HH/    — JSONL, every fill
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/engine/smartmoney"
	"github.com/hynous/hynous-data/pkg/logger"
)

// DayResult summarizes one processed day.
type DayResult struct {
	RunID                  string  `json:"run_id"`
	Date                   string  `json:"date"`
	AddressesSeen          int     `json:"addresses_seen"`
	SnapshotsReconstructed int     `json:"snapshots_reconstructed"`
	LiquidationEvents      int     `json:"liquidation_events"`
	FillsProcessed         int     `json:"fills_processed"`
	ProfilesComputed       int     `json:"profiles_computed"`
	ElapsedSeconds         float64 `json:"elapsed_seconds"`
}

// Pipeline drives the day-by-day backfill.
type Pipeline struct {
	db       *database.DB
	profiler *smartmoney.Profiler
	cfg      config.ArchiveConfig
	s3       *s3.Client
	log      zerolog.Logger
}

// New creates a pipeline with an S3 client from the ambient AWS config.
func New(ctx context.Context, db *database.DB, profiler *smartmoney.Profiler, cfg config.ArchiveConfig, log zerolog.Logger) (*Pipeline, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Pipeline{
		db:       db,
		profiler: profiler,
		cfg:      cfg,
		s3:       s3.NewFromConfig(awsCfg),
		log:      logger.Component(log, "archive"),
	}, nil
}

// ProcessDateRange processes each day in [start, end]. A failed day is
// logged and the range continues.
func (p *Pipeline) ProcessDateRange(ctx context.Context, start, end time.Time) []DayResult {
	var results []DayResult
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		res, err := p.ProcessDay(ctx, day)
		if err != nil {
			p.log.Error().Err(err).Str("date", day.Format("2006-01-02")).Msg("day failed")
			continue
		}
		results = append(results, *res)
		p.log.Info().
			Str("date", res.Date).
			Int("addresses", res.AddressesSeen).
			Int("snapshots", res.SnapshotsReconstructed).
			Int("fills", res.FillsProcessed).
			Float64("elapsed_s", res.ElapsedSeconds).
			Msg("day processed")
	}
	return results
}

// balancePrefix and fillsPrefix build the day-partitioned object keys.
func (p *Pipeline) balancePrefix(day time.Time) string {
	return fmt.Sprintf("%sperp_and_spot_balances/%s/", p.cfg.S3Prefix, day.UTC().Format("2006/01/02"))
}

func (p *Pipeline) fillsPrefix(day time.Time) string {
	return fmt.Sprintf("%snode_fills/hourly/%s/", p.cfg.S3Prefix, day.UTC().Format("2006/01/02"))
}

// ProcessDay downloads and processes one day.
func (p *Pipeline) ProcessDay(ctx context.Context, day time.Time) (*DayResult, error) {
	started := time.Now()
	res := &DayResult{
		RunID: uuid.NewString(),
		Date:  day.UTC().Format("2006-01-02"),
	}

	tempDir := filepath.Join(p.cfg.TempDir, "hynous-archive", res.Date)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	balanceFiles, err := p.downloadPrefix(ctx, p.balancePrefix(day), tempDir)
	if err != nil {
		return nil, err
	}
	accounts, err := parseBalanceFiles(balanceFiles, p.cfg.MinPositionUSD)
	if err != nil {
		return nil, err
	}
	res.AddressesSeen = len(accounts)

	snaps, err := p.writeFeatureSnapshots(accounts, dayStart)
	if err != nil {
		return nil, err
	}
	res.SnapshotsReconstructed = snaps

	fillFiles, err := p.downloadPrefix(ctx, p.fillsPrefix(day), tempDir)
	if err != nil {
		return nil, err
	}
	fills, liqs, err := parseFillFiles(fillFiles, p.cfg.Coins)
	if err != nil {
		return nil, err
	}
	res.FillsProcessed = countFills(fills)

	n, err := p.writeLiquidations(liqs)
	if err != nil {
		return nil, err
	}
	res.LiquidationEvents = n

	if p.profiler != nil {
		res.ProfilesComputed = p.computeProfiles(fills)
	}

	res.ElapsedSeconds = time.Since(started).Seconds()
	return res, nil
}

// downloadPrefix fetches every object under an S3 prefix into destDir
// (requester-pays bucket). Returns the local file paths.
func (p *Pipeline) downloadPrefix(ctx context.Context, prefix, destDir string) ([]string, error) {
	downloader := manager.NewDownloader(p.s3)
	var files []string

	paginator := s3.NewListObjectsV2Paginator(p.s3, &s3.ListObjectsV2Input{
		Bucket:       &p.cfg.S3Bucket,
		Prefix:       &prefix,
		RequestPayer: s3types.RequestPayerRequester,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", p.cfg.S3Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := *obj.Key
			local := filepath.Join(destDir, filepath.Base(key))
			f, err := os.Create(local)
			if err != nil {
				return nil, err
			}
			_, err = downloader.Download(ctx, f, &s3.GetObjectInput{
				Bucket:       &p.cfg.S3Bucket,
				Key:          &key,
				RequestPayer: s3types.RequestPayerRequester,
			})
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("download %s: %w", key, err)
			}
			files = append(files, local)
		}
	}
	if len(files) == 0 {
		p.log.Info().Str("prefix", prefix).Msg("no archive objects for prefix")
	}
	return files, nil
}

// writeFeatureSnapshots persists reconstructed per-address state: an
// equity snapshot row plus a msgpack feature blob per held coin.
func (p *Pipeline) writeFeatureSnapshots(accounts map[string]*accountState, at time.Time) (int, error) {
	return writeSnapshots(p.db, accounts, float64(at.Unix()))
}

func (p *Pipeline) writeLiquidations(liqs []liquidation) (int, error) {
	if len(liqs) == 0 {
		return 0, nil
	}
	if err := writeLiquidationRows(p.db, liqs); err != nil {
		return 0, err
	}
	return len(liqs), nil
}

// computeProfiles runs FIFO profiling over the day's fills per address.
func (p *Pipeline) computeProfiles(fillsByAddr map[string][]archiveFill) int {
	computed := 0
	for addr, fills := range fillsByAddr {
		exFills := toExchangeFills(fills)
		profile, matched := p.profiler.ComputeProfile(addr, exFills)
		if profile == nil {
			continue
		}
		if err := p.profiler.UpsertProfile(profile, matched, nil); err != nil {
			p.log.Debug().Err(err).Str("address", addr).Msg("profile upsert failed")
			continue
		}
		computed++
	}
	return computed
}

func countFills(byAddr map[string][]archiveFill) int {
	n := 0
	for _, fills := range byAddr {
		n += len(fills)
	}
	return n
}

// readLines streams a JSONL file line by line into handle.
func readLines(path string, handle func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := handle(line); err != nil {
			// Corrupt lines are dropped, not fatal.
			if _, ok := err.(*json.SyntaxError); ok {
				continue
			}
			return err
		}
	}
	return scanner.Err()
}
