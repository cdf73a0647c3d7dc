package proxy_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dartworks/mesh-command/internal/authentication"
	"github.com/dartworks/mesh-command/pkg/connector"
	"github.com/dartworks/mesh-command/pkg/mesh"
	"github.com/dartworks/mesh-command/pkg/proxy"
)

// stubScanner reports a fixed set of advertisements and refuses connections, which is enough to
// exercise the HTTP surface without a radio.
type stubScanner struct {
	devices []connector.Advertisement
}

func (s *stubScanner) Discover(ctx context.Context, serviceUUID string) ([]connector.Advertisement, error) {
	return s.devices, nil
}

func (s *stubScanner) Connect(ctx context.Context, adv connector.Advertisement) (connector.Connector, error) {
	return nil, context.DeadlineExceeded
}

var testSecret = []byte("proxy-test-secret")

func signedToken(secret []byte) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	Expect(err).NotTo(HaveOccurred())
	return "Bearer " + signed
}

var _ = Describe("Proxy", func() {
	var (
		p       *proxy.Proxy
		scanner *stubScanner
		token   string
	)

	sendRequest := func(method, path, token string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", token)
		}
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, req)
		return rr
	}

	decodeResponse := func(rr *httptest.ResponseRecorder) map[string]interface{} {
		var reply map[string]interface{}
		Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
		return reply
	}

	BeforeEach(func() {
		network, err := mesh.NewNetwork()
		Expect(err).NotTo(HaveOccurred())
		key, err := authentication.NewECDHPrivateKey(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		scanner = &stubScanner{}
		provisioner := mesh.NewProvisioner(network, scanner, key, nil)
		provisioner.SetRetryPolicy(0, 10*time.Millisecond)
		p = proxy.New(provisioner, testSecret)
		p.Timeout = time.Second
		token = signedToken(testSecret)
	})

	Context("authentication", func() {
		It("rejects requests without a bearer token", func() {
			rr := sendRequest(http.MethodGet, "/api/1/mesh/status", "", nil)
			Expect(rr.Code).To(Equal(http.StatusForbidden))
		})

		It("rejects tokens signed with the wrong secret", func() {
			rr := sendRequest(http.MethodGet, "/api/1/mesh/status", signedToken([]byte("other")), nil)
			Expect(rr.Code).To(Equal(http.StatusForbidden))
		})

		It("accepts a valid token", func() {
			rr := sendRequest(http.MethodGet, "/api/1/mesh/status", token, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
		})

		It("skips authentication when no secret is configured", func() {
			network, err := mesh.NewNetwork()
			Expect(err).NotTo(HaveOccurred())
			key, err := authentication.NewECDHPrivateKey(rand.Reader)
			Expect(err).NotTo(HaveOccurred())
			p = proxy.New(mesh.NewProvisioner(network, scanner, key, nil), nil)
			rr := sendRequest(http.MethodGet, "/api/1/mesh/status", "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
		})
	})

	Context("status", func() {
		It("summarizes an empty network", func() {
			rr := sendRequest(http.MethodGet, "/api/1/mesh/status", token, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			reply := decodeResponse(rr)
			status := reply["response"].(map[string]interface{})
			Expect(status["node_count"]).To(BeEquivalentTo(0))
			Expect(status["next_unicast"]).To(Equal("0x0002"))
		})

		It("rejects non-GET methods", func() {
			rr := sendRequest(http.MethodPost, "/api/1/mesh/status", token, nil)
			Expect(rr.Code).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Context("nodes", func() {
		It("lists no nodes on a fresh network", func() {
			rr := sendRequest(http.MethodGet, "/api/1/mesh/nodes", token, nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			reply := decodeResponse(rr)
			Expect(reply["response"]).To(BeEmpty())
		})
	})

	Context("routing", func() {
		It("returns not found for unknown endpoints", func() {
			rr := sendRequest(http.MethodGet, "/api/1/mesh/unknown", token, nil)
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})

		It("returns not found outside the API prefix", func() {
			rr := sendRequest(http.MethodGet, "/api/1/vehicles/status", token, nil)
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("scan", func() {
		It("reports discovered devices", func() {
			scanner.devices = []connector.Advertisement{
				{Address: "aa:bb:cc:dd:ee:01", LocalName: "Mesh Light", DeviceUUID: uuid.New(), RSSI: -40},
			}
			rr := sendRequest(http.MethodPost, "/api/1/mesh/scan", token,
				[]byte(`{"prefix": "Mesh", "timeout_seconds": 1}`))
			Expect(rr.Code).To(Equal(http.StatusOK))
			reply := decodeResponse(rr)
			devices := reply["response"].([]interface{})
			Expect(devices).To(HaveLen(1))
			device := devices[0].(map[string]interface{})
			Expect(device["local_name"]).To(Equal("Mesh Light"))
		})

		It("rejects malformed request bodies", func() {
			rr := sendRequest(http.MethodPost, "/api/1/mesh/scan", token, []byte("{not json"))
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("provision", func() {
		It("rejects malformed device UUIDs", func() {
			rr := sendRequest(http.MethodPost, "/api/1/mesh/provision", token,
				[]byte(`{"device_uuid": "not-a-uuid"}`))
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns not found for devices the last scan did not see", func() {
			rr := sendRequest(http.MethodPost, "/api/1/mesh/provision", token,
				[]byte(`{"device_uuid": "`+uuid.NewString()+`"}`))
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("send", func() {
		It("rejects invalid destination addresses", func() {
			rr := sendRequest(http.MethodPost, "/api/1/mesh/send", token,
				[]byte(`{"address": "0x8000", "command": "onoff", "on": true}`))
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects unknown commands", func() {
			rr := sendRequest(http.MethodPost, "/api/1/mesh/send", token,
				[]byte(`{"address": "0x0002", "command": "reboot"}`))
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("reports a bad gateway when no proxy link is connected", func() {
			rr := sendRequest(http.MethodPost, "/api/1/mesh/send", token,
				[]byte(`{"address": "0x0002", "command": "onoff", "on": true}`))
			Expect(rr.Code).To(Equal(http.StatusBadGateway))
			reply := decodeResponse(rr)
			Expect(reply["error"]).NotTo(BeEmpty())
		})

		It("accepts decimal destination addresses", func() {
			rr := sendRequest(http.MethodPost, "/api/1/mesh/send", token,
				[]byte(`{"address": "2", "command": "onoff", "on": true}`))
			// The address parses; the failure is the missing link, not the request.
			Expect(rr.Code).To(Equal(http.StatusBadGateway))
		})
	})
})
