package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/relay/transport"
)

var _ = Describe("Mock debug HTTP", func() {
	var (
		server *transport.Server
		router http.Handler
	)

	BeforeEach(func() {
		server = transport.NewServer(transport.Options{
			Host: "127.0.0.1",
			Log:  zap.NewNop(),
		})
		Expect(server.Start(context.Background())).To(Succeed())

		router = setupRouter(server, false, zap.NewNop())
	})

	AfterEach(func() {
		Expect(server.Close()).To(Succeed())
	})

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	It("answers /ping", func() {
		w := get("/ping")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(Equal("pong"))
	})

	It("serves /stats", func() {
		w := get("/stats")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(gjson.GetBytes(w.Body.Bytes(), "addr").String()).To(Equal(server.Addr()))
		Expect(gjson.GetBytes(w.Body.Bytes(), "connections").Int()).To(BeZero())
	})

	It("backs up a database", func() {
		Expect(server.Store(2).Set(context.Background(), "k", []byte("v"), 0)).To(Succeed())

		w := get("/backup?db=2")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(gjson.GetBytes(w.Body.Bytes(), "#").Int()).To(Equal(int64(1)))

		Expect(get("/backup?db=99").Code).To(Equal(http.StatusBadRequest))
		Expect(get("/backup?db=x").Code).To(Equal(http.StatusBadRequest))
	})
})
