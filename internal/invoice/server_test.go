package invoice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-scanner/internal/inference"
)

var anyPath = regexp.MustCompile(`.*`)

func multipartUpload(filename string, data []byte) (*bytes.Buffer, string) {
	var b bytes.Buffer
	writer := multipart.NewWriter(&b)
	part, err := writer.CreateFormFile("file", filename)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return &b, writer.FormDataContentType()
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(body)
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		recognizer  *mockRecognizer
		engine      *mockEngine
		service     *Service
		auth        BasicAuth
		models      ModelFiles
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, auth, models, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "DELETE"} {
			ghttpServer.RouteToHandler(method, anyPath, server.ServeHTTP)
		}
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		recognizer = newMockRecognizer()
		engine = newMockEngine()
		service = NewServiceWithDeps(db, storage, recognizer, engine, testConfig, &mockIDGenerator{}, &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)})
		auth = BasicAuth{}
		models = ModelFiles{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	upload := func() *http.Response {
		body, contentType := multipartUpload("invoice.png", []byte("fake image data"))
		resp, err := http.Post(ghttpServer.URL()+"/api/image", contentType, body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	run := func(pagePath string) *http.Response {
		payload, err := json.Marshal(map[string]string{"page_path": pagePath})
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(ghttpServer.URL()+"/api/run", "application/json", bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("page", func() {
		It("serves the scanner page at the root", func() {
			resp, err := http.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/html; charset=utf-8"))
			Expect(readBody(resp)).To(ContainSubstring("Smart Invoice Scanner"))
		})

		It("serves the scanner page under a base path", func() {
			resp, err := http.Get(ghttpServer.URL() + "/smart-invoice/index.html")
			Expect(err).NotTo(HaveOccurred())
			Expect(readBody(resp)).To(ContainSubstring("Smart Invoice Scanner"))
		})

		It("rejects other methods", func() {
			req, err := http.NewRequest("PUT", ghttpServer.URL()+"/", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			resp.Body.Close()
		})

		It("serves the static assets", func() {
			resp, err := http.Get(ghttpServer.URL() + "/static/app.js")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/javascript; charset=utf-8"))
			resp.Body.Close()

			resp, err = http.Get(ghttpServer.URL() + "/static/app.css")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/css"))
			resp.Body.Close()
		})
	})

	Describe("model file", func() {
		BeforeEach(func() {
			dir := GinkgoT().TempDir()
			Expect(os.WriteFile(filepath.Join(dir, "invoice-parser.onnx"), []byte("onnx bytes"), 0644)).To(Succeed())
			models = ModelFiles{Dir: dir, Filename: "invoice-parser.onnx"}
			setupServer()
		})

		It("is served at the root", func() {
			resp, err := http.Get(ghttpServer.URL() + "/invoice-parser.onnx")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(Equal("onnx bytes"))
		})

		It("is served under a base path", func() {
			resp, err := http.Get(ghttpServer.URL() + "/smart-invoice/invoice-parser.onnx")
			Expect(err).NotTo(HaveOccurred())
			Expect(readBody(resp)).To(Equal("onnx bytes"))
		})
	})

	Describe("POST /api/image", func() {
		When("upload succeeds", func() {
			It("returns the selected image", func() {
				resp := upload()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				var img Image
				Expect(json.Unmarshal([]byte(readBody(resp)), &img)).To(Succeed())
				Expect(img.OriginalFilename).To(Equal("invoice.png"))
				Expect(img.ContentType).To(Equal("image/png"))
			})
		})

		When("no file is provided", func() {
			It("returns Bad Request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				writer.Close()
				resp, err := http.Post(ghttpServer.URL()+"/api/image", writer.FormDataContentType(), &b)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(readBody(resp)).To(ContainSubstring("file"))
			})
		})

		When("the file is empty", func() {
			It("returns Bad Request", func() {
				body, contentType := multipartUpload("invoice.png", nil)
				resp, err := http.Post(ghttpServer.URL()+"/api/image", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(readBody(resp)).To(ContainSubstring("empty"))
			})
		})

		When("the form is invalid", func() {
			It("returns Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/image", "multipart/form-data", bytes.NewBufferString("invalid"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(readBody(resp)).To(ContainSubstring("Error parsing form"))
			})
		})

		When("storage fails", func() {
			BeforeEach(func() {
				storage.saveErr = errors.New("disk full")
			})

			It("returns Internal Server Error", func() {
				resp := upload()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				resp.Body.Close()
			})
		})
	})

	Describe("GET /api/image", func() {
		It("returns Not Found before an upload", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/image")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("returns the uploaded bytes", func() {
			upload().Body.Close()
			resp, err := http.Get(ghttpServer.URL() + "/api/image")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			Expect(readBody(resp)).To(Equal("fake image data"))
		})
	})

	Describe("POST /api/run", func() {
		When("no image is selected", func() {
			It("returns Bad Request and leaves the state untouched", func() {
				resp := run("/")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(readBody(resp)).To(ContainSubstring("No image selected"))
				Expect(service.State()).To(Equal(State{Phase: PhaseIdle}))
			})
		})

		When("an image is selected", func() {
			BeforeEach(func() {
				upload().Body.Close()
			})

			It("returns the scan and the new state", func() {
				resp := run("/smart-invoice/index.html")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var body struct {
					Scan  Scan  `json:"scan"`
					State State `json:"state"`
				}
				Expect(json.Unmarshal([]byte(readBody(resp)), &body)).To(Succeed())
				Expect(body.Scan.Fields.Vendor).To(Equal("ACME CORP"))
				Expect(body.Scan.Fields.Total).To(Equal("123.45"))
				Expect(body.Scan.Fields.Date).To(Equal("01/02/2023"))
				Expect(body.State.Busy).To(BeFalse())
				Expect(body.State.Text).To(Equal(sampleText))
				Expect(engine.loadedURL).To(Equal("http://localhost:8080/smart-invoice/invoice-parser.onnx"))
			})

			It("falls back to the Referer for the page path", func() {
				req, err := http.NewRequest("POST", ghttpServer.URL()+"/api/run", nil)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Referer", ghttpServer.URL()+"/demo/index.html")
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				resp.Body.Close()
				Expect(engine.loadedURL).To(Equal("http://localhost:8080/demo/invoice-parser.onnx"))
			})
		})

		When("the pipeline fails", func() {
			BeforeEach(func() {
				upload().Body.Close()
				recognizer.err = errors.New("tesseract crashed")
			})

			It("returns a generic error", func() {
				resp := run("/")
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				var body map[string]string
				Expect(json.Unmarshal([]byte(readBody(resp)), &body)).To(Succeed())
				Expect(body["error"]).To(Equal("pipeline failed"))
			})

			It("leaves the scanner idle", func() {
				run("/").Body.Close()
				Expect(service.State().Busy).To(BeFalse())
			})
		})

		When("a run is already active", func() {
			BeforeEach(func() {
				upload().Body.Close()
				recognizer.block = make(chan struct{})
				recognizer.started = make(chan struct{})
			})

			It("returns Conflict", func() {
				first := httptest.NewRecorder()
				done := make(chan struct{})
				go func() {
					defer GinkgoRecover()
					defer close(done)
					server.ServeHTTP(first, httptest.NewRequest("POST", "/api/run", nil))
				}()
				Eventually(recognizer.started).Should(BeClosed())

				second := httptest.NewRecorder()
				server.ServeHTTP(second, httptest.NewRequest("POST", "/api/run", nil))
				Expect(second.Code).To(Equal(http.StatusConflict))

				close(recognizer.block)
				Eventually(done).Should(BeClosed())
				Expect(first.Code).To(Equal(http.StatusOK))
			})
		})

		When("the body is not JSON", func() {
			It("returns Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/run", "application/json", bytes.NewBufferString("{"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})
	})

	Describe("GET /api/state", func() {
		It("returns the idle state", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/state")
			Expect(err).NotTo(HaveOccurred())
			var state State
			Expect(json.Unmarshal([]byte(readBody(resp)), &state)).To(Succeed())
			Expect(state.Phase).To(Equal(PhaseIdle))
			Expect(state.Fields).To(BeNil())
		})
	})

	Describe("scan history", func() {
		BeforeEach(func() {
			db.scans["scan-1"] = &Scan{ID: "scan-1", ImageFilename: "scan-1.png", ContentType: "image/png"}
			storage.files["scan-1.png"] = []byte("scan image")
		})

		It("lists scans", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/scans")
			Expect(err).NotTo(HaveOccurred())
			var scans []*Scan
			Expect(json.Unmarshal([]byte(readBody(resp)), &scans)).To(Succeed())
			Expect(scans).To(HaveLen(1))
		})

		It("returns a single scan", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/scans/scan-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var scan Scan
			Expect(json.Unmarshal([]byte(readBody(resp)), &scan)).To(Succeed())
			Expect(scan.ID).To(Equal("scan-1"))
		})

		It("returns Not Found for unknown scans", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/scans/missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(readBody(resp)).To(ContainSubstring("Scan not found"))
		})

		It("returns the scan image", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/scans/scan-1/image")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			Expect(readBody(resp)).To(Equal("scan image"))
		})

		It("deletes a scan", func() {
			req, err := http.NewRequest("DELETE", ghttpServer.URL()+"/api/scans/scan-1", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			resp.Body.Close()
			Expect(db.scans).NotTo(HaveKey("scan-1"))
		})

		It("returns Not Found when deleting unknown scans", func() {
			req, err := http.NewRequest("DELETE", ghttpServer.URL()+"/api/scans/missing", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("exports a spreadsheet", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/export.xlsx")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("scans.xlsx"))
			resp.Body.Close()
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("database error")
			})

			It("returns Internal Server Error", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(readBody(resp)).To(ContainSubstring("Internal server error"))
			})
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
			setupServer()
		})

		It("rejects requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/state")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Invoice Scanner"))
			resp.Body.Close()
		})

		It("rejects wrong credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/state", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:wrong")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			resp.Body.Close()
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/state", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "pass")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})
	})
})

var _ = Describe("Server under a base path", func() {
	var (
		engine      *mockEngine
		db          *mockDB
		auth        BasicAuth
		models      ModelFiles
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		engine = newMockEngine()
		db = newMockDB()
		auth = BasicAuth{}
		models = ModelFiles{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(db, newMockStorage(), newMockRecognizer(), engine, testConfig, &mockIDGenerator{}, &mockTimeSource{})
		server := NewServerWithMux(service, auth, models, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "DELETE"} {
			ghttpServer.RouteToHandler(method, anyPath, server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	It("answers api requests made relative to the page", func() {
		resp, err := http.Get(ghttpServer.URL() + "/smart-invoice/api/state")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
		var state State
		Expect(json.Unmarshal([]byte(readBody(resp)), &state)).To(Succeed())
		Expect(state.Phase).To(Equal(PhaseIdle))
	})

	It("serves static assets relative to the page", func() {
		resp, err := http.Get(ghttpServer.URL() + "/smart-invoice/static/app.css")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Header.Get("Content-Type")).To(Equal("text/css"))
		resp.Body.Close()
	})

	It("keeps path values for nested routes", func() {
		db.scans["scan-1"] = &Scan{ID: "scan-1"}
		resp, err := http.Get(ghttpServer.URL() + "/smart-invoice/api/scans/scan-1")
		Expect(err).NotTo(HaveOccurred())
		var scan Scan
		Expect(json.Unmarshal([]byte(readBody(resp)), &scan)).To(Succeed())
		Expect(scan.ID).To(Equal("scan-1"))
	})

	It("uploads and runs from a nested page", func() {
		body, contentType := multipartUpload("invoice.png", []byte("fake image data"))
		resp, err := http.Post(ghttpServer.URL()+"/smart-invoice/api/image", contentType, body)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		resp.Body.Close()

		payload, _ := json.Marshal(map[string]string{"page_path": "/smart-invoice/"})
		resp, err = http.Post(ghttpServer.URL()+"/smart-invoice/api/run", "application/json", bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()
		Expect(engine.loadedURL).To(Equal("http://localhost:8080/smart-invoice/invoice-parser.onnx"))
	})

	DescribeTable("rejects page paths that point off the origin",
		func(pagePath string) {
			body, contentType := multipartUpload("invoice.png", []byte("fake image data"))
			resp, err := http.Post(ghttpServer.URL()+"/api/image", contentType, body)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			payload, _ := json.Marshal(map[string]string{"page_path": pagePath})
			resp, err = http.Post(ghttpServer.URL()+"/api/run", "application/json", bytes.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(readBody(resp)).To(ContainSubstring("Invalid page path"))
			Expect(engine.loads).To(BeZero())
		},
		Entry("protocol-relative host", "//evil.example/a/index.html"),
		Entry("userinfo", "@evil.example/x"),
	)

	When("basic auth is enabled and the model is served locally", func() {
		BeforeEach(func() {
			dir := GinkgoT().TempDir()
			Expect(os.WriteFile(filepath.Join(dir, "invoice-parser.onnx"), []byte("onnx bytes"), 0644)).To(Succeed())
			models = ModelFiles{Dir: dir, Filename: "invoice-parser.onnx"}
			auth = BasicAuth{Username: "user", Password: "pass"}
		})

		It("lets the engine fetch the model without credentials", func() {
			modelURL, err := inference.ModelURL(ghttpServer.URL(), "/smart-invoice/index.html", "invoice-parser.onnx")
			Expect(err).NotTo(HaveOccurred())
			data, err := inference.FetchModel(context.Background(), http.DefaultClient, modelURL)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("onnx bytes"))
		})

		It("still protects the page", func() {
			resp, err := http.Get(ghttpServer.URL() + "/smart-invoice/index.html")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			resp.Body.Close()
		})

		It("still protects the api under a base path", func() {
			resp, err := http.Get(ghttpServer.URL() + "/smart-invoice/api/state")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			resp.Body.Close()
		})
	})
})
