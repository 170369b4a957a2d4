package transport_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/cuongbtq/invoice-assist/internal/client/transport"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
)

var _ = Describe("Client", func() {
	var (
		server *ghttp.Server
		client *transport.Client
		ctx    context.Context
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		client = transport.NewClient(transport.Config{
			BaseURL: server.URL() + "/api",
			Timeout: 2 * time.Second,
		}, slog.New(slog.NewTextHandler(io.Discard, nil)))
		ctx = context.Background()
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("Submit", func() {
		upload := invoice.Upload{
			Filename:    "invoice.pdf",
			ContentType: "application/pdf",
			Data:        []byte("%PDF-1.4 fake"),
		}

		It("posts the file to the full pipeline endpoint and returns the job id", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/invoice/process-to-excel"),
				func(w http.ResponseWriter, r *http.Request) {
					Expect(r.ParseMultipartForm(1 << 20)).To(Succeed())
					f, header, err := r.FormFile("file")
					Expect(err).NotTo(HaveOccurred())
					defer f.Close()
					Expect(header.Filename).To(Equal("invoice.pdf"))
					data, err := io.ReadAll(f)
					Expect(err).NotTo(HaveOccurred())
					Expect(string(data)).To(Equal("%PDF-1.4 fake"))
					Expect(r.FormValue("language")).To(Equal("eng"))
				},
				ghttp.RespondWithJSONEncoded(http.StatusAccepted, invoice.SubmitResponse{JobID: "j1"}),
			))

			jobID, err := client.Submit(ctx, upload, invoice.ModeExcel)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).To(Equal("j1"))
		})

		It("sends the upload's idempotency key on every attempt", func() {
			keyed := upload
			keyed.IdempotencyKey = "key-123"
			server.AppendHandlers(
				ghttp.CombineHandlers(
					ghttp.VerifyHeaderKV(transport.IdempotencyHeader, "key-123"),
					ghttp.RespondWith(http.StatusBadGateway, "upstream down"),
				),
				ghttp.CombineHandlers(
					ghttp.VerifyHeaderKV(transport.IdempotencyHeader, "key-123"),
					ghttp.RespondWithJSONEncoded(http.StatusAccepted, invoice.SubmitResponse{JobID: "j1"}),
				),
			)

			_, err := client.Submit(ctx, keyed, invoice.ModeExcel)
			Expect(invoice.IsRetryable(err)).To(BeTrue())

			jobID, err := client.Submit(ctx, keyed, invoice.ModeExcel)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).To(Equal("j1"))
			Expect(server.ReceivedRequests()).To(HaveLen(2))
		})

		It("omits the idempotency header when the upload has no key", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				func(w http.ResponseWriter, r *http.Request) {
					Expect(r.Header.Values(transport.IdempotencyHeader)).To(BeEmpty())
				},
				ghttp.RespondWithJSONEncoded(http.StatusAccepted, invoice.SubmitResponse{JobID: "j2"}),
			))

			_, err := client.Submit(ctx, upload, invoice.ModeExcel)
			Expect(err).NotTo(HaveOccurred())
		})

		It("uses the OCR-only endpoint for OCR mode", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/invoice/ocr-only"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, invoice.SubmitResponse{JobID: "ocr-1"}),
			))

			jobID, err := client.Submit(ctx, upload, invoice.ModeOCR)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).To(Equal("ocr-1"))
		})

		It("rejects an empty file without calling the backend", func() {
			_, err := client.Submit(ctx, invoice.Upload{Filename: "empty.pdf"}, invoice.ModeExcel)

			var validationErr *invoice.ValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})

		It("classifies a format rejection as a validation error", func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusUnsupportedMediaType, invoice.ErrorResponse{
				Error: "unsupported format",
				Code:  "UNSUPPORTED_FORMAT",
			}))

			_, err := client.Submit(ctx, upload, invoice.ModeExcel)

			var validationErr *invoice.ValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(validationErr.Message).To(Equal("unsupported format"))
			Expect(invoice.IsRetryable(err)).To(BeFalse())
		})

		It("classifies a server error as a transport error", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "try later"))

			_, err := client.Submit(ctx, upload, invoice.ModeExcel)

			var transportErr *invoice.TransportError
			Expect(errors.As(err, &transportErr)).To(BeTrue())
			Expect(transportErr.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(invoice.IsRetryable(err)).To(BeTrue())
		})

		It("treats a response without a job id as a transport error", func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusAccepted, map[string]string{}))

			_, err := client.Submit(ctx, upload, invoice.ModeExcel)
			Expect(invoice.IsRetryable(err)).To(BeTrue())
		})
	})

	Describe("Status", func() {
		It("decodes the snapshot", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/api/invoice/status/j1"),
				ghttp.RespondWith(http.StatusOK, `{"jobId":"j1","status":"processing","progress":40}`),
			))

			snap, err := client.Status(ctx, "j1")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.JobID).To(Equal("j1"))
			Expect(snap.Status).To(Equal(invoice.StatusProcessing))
			Expect(snap.Progress).NotTo(BeNil())
			Expect(*snap.Progress).To(Equal(40))
			Expect(snap.ReceivedAt).NotTo(BeZero())
		})

		It("carries the server error detail of a failed job", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"jobId":"j1","status":"failed","error":"no text extracted"}`))

			snap, err := client.Status(ctx, "j1")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(invoice.StatusFailed))
			Expect(snap.Error).To(Equal("no text extracted"))
		})

		It("returns a not found error for unknown jobs", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"success":false,"error":"job not found"}`))

			_, err := client.Status(ctx, "gone")
			Expect(invoice.IsNotFound(err)).To(BeTrue())
		})

		It("rejects unknown status values", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"jobId":"j1","status":"exploded"}`))

			_, err := client.Status(ctx, "j1")
			Expect(invoice.IsRetryable(err)).To(BeTrue())
		})

		It("reports an unreachable backend as a transport error", func() {
			server.Close()

			_, err := client.Status(ctx, "j1")
			Expect(invoice.IsRetryable(err)).To(BeTrue())
		})

		It("does not classify a canceled context as a transport error", func() {
			canceled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := client.Status(canceled, "j1")
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(invoice.IsRetryable(err)).To(BeFalse())
		})
	})

	Describe("Results", func() {
		It("returns the payload unchanged", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/api/invoice/results/j1"),
				ghttp.RespondWith(http.StatusOK, `{
					"jobId":"j1","filename":"invoice.pdf","mode":"excel","confidence":0.8,
					"downloadUrl":"/api/invoice/download/j1",
					"invoiceData":{"invoiceNumber":"INV-7","totalAmount":"121.00","currency":"EUR"}
				}`),
			))

			payload, err := client.Results(ctx, "j1")
			Expect(err).NotTo(HaveOccurred())
			Expect(payload.Filename).To(Equal("invoice.pdf"))
			Expect(payload.Mode).To(Equal(invoice.ModeExcel))
			Expect(payload.Invoice).NotTo(BeNil())
			Expect(payload.Invoice.InvoiceNumber).To(Equal("INV-7"))
			Expect(payload.Invoice.TotalAmount).To(Equal("121.00"))
			Expect(payload.DownloadURL).To(Equal("/api/invoice/download/j1"))
		})

		It("maps a conflict to a precondition error", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusConflict, `{"success":false,"error":"job is processing"}`))

			_, err := client.Results(ctx, "j1")

			var preconditionErr *invoice.PreconditionError
			Expect(errors.As(err, &preconditionErr)).To(BeTrue())
		})
	})

	Describe("History", func() {
		It("orders entries most recent first", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/api/invoice/history"),
				ghttp.RespondWith(http.StatusOK, `[
					{"jobId":"old","filename":"a.pdf","mode":"ocr","status":"complete","createdAt":"2024-01-01T10:00:00Z"},
					{"jobId":"new","filename":"b.pdf","mode":"excel","status":"pending","createdAt":"2024-02-01T10:00:00Z"}
				]`),
			))

			entries, err := client.History(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].JobID).To(Equal("new"))
			Expect(entries[1].JobID).To(Equal("old"))
		})
	})

	Describe("Download", func() {
		It("streams the spreadsheet with the server supplied filename", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodGet, "/api/invoice/download/j1"),
				ghttp.RespondWith(http.StatusOK, "xlsx-bytes", http.Header{
					"Content-Disposition": []string{`attachment; filename="invoice_extracted.xlsx"`},
				}),
			))

			body, filename, err := client.Download(ctx, "j1")
			Expect(err).NotTo(HaveOccurred())
			defer body.Close()
			Expect(filename).To(Equal("invoice_extracted.xlsx"))
			data, err := io.ReadAll(body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("xlsx-bytes"))
		})
	})

	Describe("Health", func() {
		It("succeeds on 200", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"status":"ok"}`))
			Expect(client.Health(ctx)).To(Succeed())
		})
	})
})
