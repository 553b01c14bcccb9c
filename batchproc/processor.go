package batchproc

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/certanchor/certanchor/certerrors"
	"github.com/certanchor/certanchor/common"
	"github.com/certanchor/certanchor/link"
	"github.com/certanchor/certanchor/log"
	"github.com/certanchor/certanchor/merkle"
	"github.com/certanchor/certanchor/metrics"
	"github.com/certanchor/certanchor/store"
	"github.com/certanchor/certanchor/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Position is the (x, y) offset the QR image and link text are stamped at.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// QREncoder renders a verification link as a PNG image.
type QREncoder interface {
	Encode(content string, size int) ([]byte, error)
}

// Stamper embeds the link text and QR image into a source PDF and returns
// the path of the finished artifact.
type Stamper interface {
	Stamp(ctx context.Context, sourcePath, linkText string, qrPNG []byte, pos Position) (string, error)
}

// Rasterizer renders page 1 of a finished PDF to an image file.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath string) (string, error)
}

// ArtifactStore uploads a finished artifact and returns its public URL.
type ArtifactStore interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Submission is one anchored batch handed over for per-document finalization.
// Record order matches the commitment's leaf order.
type Submission struct {
	BatchID    uint64
	IssuerID   string
	TxHash     common.Hash
	Records    []types.Record
	Commitment *merkle.Commitment
	// Artifacts maps documentId to the source PDF path.
	Artifacts map[string]string
}

// ItemResult is the per-document outcome. A failed item carries its error;
// siblings are unaffected.
type ItemResult struct {
	JobID             string
	DocumentID        string
	CertificateNumber string
	ArtifactPath      string
	ImageURL          string
	Err               error
}

const qrImageSize = 256

// Processor finalizes each document of an anchored batch: QR generation,
// PDF stamping, optional rasterization and upload, row persistence.
type Processor struct {
	store      *store.CertificateStore
	links      *link.Builder
	qr         QREncoder
	stamper    Stamper
	rasterizer Rasterizer
	artifacts  ArtifactStore
	position   Position
	// zipStore keeps finished PDFs locally and skips rasterization/upload.
	zipStore    bool
	deepLinks   bool
	concurrency int
}

type Options struct {
	Position    Position
	ZipStore    bool
	DeepLinks   bool
	Concurrency int
}

func NewProcessor(cs *store.CertificateStore, links *link.Builder, qr QREncoder,
	stamper Stamper, rasterizer Rasterizer, artifacts ArtifactStore, opts Options) *Processor {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Processor{
		store:       cs,
		links:       links,
		qr:          qr,
		stamper:     stamper,
		rasterizer:  rasterizer,
		artifacts:   artifacts,
		position:    opts.Position,
		zipStore:    opts.ZipStore,
		deepLinks:   opts.DeepLinks,
		concurrency: concurrency,
	}
}

// Finalize fans out one job per document and waits for all of them. The
// returned slice has one entry per record in leaf order; failures are
// reported per item, never by aborting siblings.
func (p *Processor) Finalize(ctx context.Context, sub Submission) ([]ItemResult, error) {
	if sub.Commitment == nil {
		return nil, fmt.Errorf("finalize batch %d: missing commitment", sub.BatchID)
	}
	if sub.Commitment.Size() != len(sub.Records) {
		return nil, fmt.Errorf("finalize batch %d: %d records vs %d leaves: %w",
			sub.BatchID, len(sub.Records), sub.Commitment.Size(), certerrors.ErrDArtifactDrift)
	}

	results := make([]ItemResult, len(sub.Records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range sub.Records {
		g.Go(func() error {
			results[i] = p.finalizeOne(gctx, sub, i)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			metrics.BatchItemsFinalized.WithLabelValues("failed").Inc()
		} else {
			metrics.BatchItemsFinalized.WithLabelValues("ok").Inc()
		}
	}
	log.Info(log.BatchMonitoring, "batch finalization done",
		"batch", sub.BatchID, "items", len(results), "failed", failed)
	return results, nil
}

func (p *Processor) finalizeOne(ctx context.Context, sub Submission, index int) ItemResult {
	rec := sub.Records[index]
	res := ItemResult{
		JobID:             uuid.NewString(),
		DocumentID:        rec.DocumentID,
		CertificateNumber: rec.DocumentID,
	}

	sourcePath, ok := sub.Artifacts[rec.DocumentID]
	if !ok {
		// record list and artifact set drifted apart upstream; nothing to
		// stamp for this document
		res.Err = fmt.Errorf("document %s: no source artifact: %w", rec.DocumentID, certerrors.ErrDArtifactDrift)
		log.Error(log.BatchMonitoring, "artifact drift", "job", res.JobID, "document", rec.DocumentID)
		return res
	}

	proof, err := sub.Commitment.ProofOf(index)
	if err != nil {
		res.Err = fmt.Errorf("document %s: %w", rec.DocumentID, err)
		return res
	}
	leaf, err := sub.Commitment.Leaf(index)
	if err != nil {
		res.Err = fmt.Errorf("document %s: %w", rec.DocumentID, err)
		return res
	}

	linkText, err := p.verificationLink(rec, leaf)
	if err != nil {
		res.Err = fmt.Errorf("document %s: build link: %w", rec.DocumentID, err)
		return res
	}
	qrPNG, err := p.qr.Encode(linkText, qrImageSize)
	if err != nil {
		res.Err = fmt.Errorf("document %s: %w", rec.DocumentID, err)
		return res
	}

	stampedPath, err := p.stamper.Stamp(ctx, sourcePath, linkText, qrPNG, p.position)
	if err != nil {
		res.Err = fmt.Errorf("document %s: stamp: %w", rec.DocumentID, err)
		return res
	}
	res.ArtifactPath = stampedPath

	cleanup := []string{sourcePath}
	if !p.zipStore {
		imagePath, err := p.rasterizer.Rasterize(ctx, stampedPath)
		if err != nil {
			res.Err = fmt.Errorf("document %s: rasterize: %w", rec.DocumentID, err)
			return res
		}
		cleanup = append(cleanup, imagePath)
		imageURL, err := p.artifacts.Upload(ctx, imagePath)
		if err != nil {
			res.Err = fmt.Errorf("document %s: upload: %w", rec.DocumentID, err)
			return res
		}
		res.ImageURL = imageURL
		cleanup = append(cleanup, stampedPath)
		res.ArtifactPath = ""
	}

	cert := types.BatchCertificate{
		CertificateNumber: rec.DocumentID,
		IssuerID:          sub.IssuerID,
		BatchID:           sub.BatchID,
		Proof:             proof,
		EncodedProof:      merkle.EncodeProof(proof),
		CertificateHash:   leaf,
		TransactionHash:   sub.TxHash,
		Status:            types.StatusIssued,
		GrantDate:         rec.GrantDate,
		ExpirationDate:    rec.ExpirationDate,
		IssueDate:         uint64(time.Now().Unix()),
	}
	if err := p.store.InsertBatchMember(cert); err != nil {
		res.Err = fmt.Errorf("document %s: persist: %w", rec.DocumentID, err)
		return res
	}

	for _, path := range cleanup {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn(log.BatchMonitoring, "temp file cleanup failed", "path", path, "err", err)
		}
	}
	log.Debug(log.BatchMonitoring, "document finalized",
		"job", res.JobID, "document", rec.DocumentID, "batch", sub.BatchID)
	return res
}

func (p *Processor) verificationLink(rec types.Record, leaf common.Hash) (string, error) {
	if !p.deepLinks {
		return p.links.ShortLink(rec.DocumentID), nil
	}
	return p.links.DeepLink(link.Payload{
		CertificateNumber: rec.DocumentID,
		HolderName:        rec.HolderName,
		Title:             rec.Title,
		GrantDate:         rec.GrantDate,
		ExpirationDate:    rec.ExpirationDate,
		CertificateHash:   leaf,
	})
}
