package registryd

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"nagare/core/events"
	"nagare/crypto"
	"nagare/gateway/middleware"
	"nagare/proof"
	"nagare/storage"
)

const (
	testSecret   = "registryd-secret"
	testEndpoint = "https://hub.example/v1/castById"
)

var (
	ownerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	strangerAddr = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	receiverAddr = common.HexToAddress("0x00000000000000000000000000000000000000d3")
	providerAddr = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

type harness struct {
	t       *testing.T
	db      storage.Database
	node    *Node
	server  *Server
	witness *crypto.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, db: storage.NewMemDB()}
	h.boot(filepath.Join(t.TempDir(), "readmodel.db"))
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	h.witness = key
	return h
}

func (h *harness) boot(dsn string) {
	h.t.Helper()
	readModel, err := OpenReadModel(dsn, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = readModel.Close() })
	node, err := NewNode(storage.NewStore(h.db), readModel, NodeOptions{
		Owner:           ownerAddr,
		RegistryAddress: DefaultRegistryAddress,
		VerifierAddress: DefaultVerifierAddress,
	})
	require.NoError(h.t, err)
	server, err := NewServer(node, ServerOptions{
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: testSecret}, nil),
	})
	require.NoError(h.t, err)
	h.node = node
	h.server = server
}

func (h *harness) token(subject common.Address) string {
	h.t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject.Hex(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(h.t, err)
	return signed
}

func (h *harness) do(method, path string, as *common.Address, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(*as))
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

// castProof signs a claim that fetching the cast endpoint for fid yielded text.
func (h *harness) castProof(fid, text string) string {
	h.t.Helper()
	info, err := proof.NewHTTPClaimInfo(proof.Parameters{
		Method: "GET",
		URL:    testEndpoint + "?fid=" + fid + "&hash=0xabc",
		ResponseMatches: []proof.ResponseMatch{{
			Name: "text", Type: proof.MatchJSONPath, Value: "data.castAddBody.text",
		}},
	}, map[string]string{"text": text})
	require.NoError(h.t, err)
	p, err := proof.Sign(info, h.witness.EthAddress(), 1700000000, 1, h.witness)
	require.NoError(h.t, err)
	encoded, err := proof.EncodeProof(p)
	require.NoError(h.t, err)
	return "0x" + hex.EncodeToString(encoded)
}

func (h *harness) bootstrap() uint64 {
	h.t.Helper()
	owner := ownerAddr
	rec := h.do(http.MethodPost, "/v1/verifier/epochs", &owner, map[string]interface{}{
		"witnesses":        []string{h.witness.EthAddress().Hex()},
		"minimumWitnesses": 1,
	})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/vault/deposit", &owner, map[string]string{
		"account": DefaultRegistryAddress.Hex(),
		"amount":  "1000",
	})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/agreements", &owner, StartAgreementRequest{
		Verifier: DefaultVerifierAddress.Hex(),
		Template: &TemplateRequest{
			Endpoint:        testEndpoint,
			Fid:             "7",
			CheckpointTexts: []string{"Shipped v1", "Shipped v2"},
			TerminationText: "Cancelled",
		},
		TotalSize:       "1000",
		CheckpointSizes: []string{"300", "500"},
		Receiver:        receiverAddr.Hex(),
		Provider:        providerAddr.Hex(),
	})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]uint64
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &created))
	return created["id"]
}

func TestAgreementLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	id := h.bootstrap()
	require.Zero(t, id)
	caller := providerAddr

	rec := h.do(http.MethodPost, "/v1/agreements/0/checkpoints/0", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v1")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"completed":true`)

	rec = h.do(http.MethodPost, "/v1/agreements/0/checkpoints/0", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v1")})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/v1/agreements/0/checkpoints/1", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v1")})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodPost, "/v1/agreements/0/checkpoints/1", &caller, map[string]string{"auxiliaryData": "0xdeadbeef"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodPost, "/v1/agreements/0/checkpoints/5", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v1")})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/v1/agreements/0/balance", &caller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"balance":"700"`)

	rec = h.do(http.MethodGet, "/v1/agreements/0/completed", &caller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var completed struct {
		Completed []CompletedCheckpoint `json:"completed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completed))
	require.Len(t, completed.Completed, 1)
	require.Equal(t, "300", completed.Completed[0].Amount)

	rec = h.do(http.MethodPost, "/v1/agreements/0/terminate", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v2")})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = h.do(http.MethodPost, "/v1/agreements/0/terminate", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Cancelled")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var agreementResp AgreementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agreementResp))
	require.True(t, agreementResp.Terminated)
	require.Equal(t, "700", agreementResp.TerminationRelease)
	require.Equal(t, "0", agreementResp.Balance)
	require.Equal(t, []uint64{0}, agreementResp.Completed)

	rec = h.do(http.MethodGet, "/v1/vault/balance/"+receiverAddr.Hex(), &caller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"balance":"1000"`)

	rec = h.do(http.MethodPost, "/v1/agreements/0/checkpoints/1", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v2")})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodGet, "/v1/agreements/0/checkpoints/1", &caller, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"completed":false`)

	term, ok, err := h.node.ReadModel.Termination(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "700", term.Released)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	stranger := strangerAddr

	rec := h.do(http.MethodGet, "/v1/agreements/0", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/v1/agreements/42", &stranger, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(http.MethodPost, "/v1/agreements/42/terminate", &stranger, map[string]string{"auxiliaryData": "0x01"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(http.MethodGet, "/v1/agreements/abc", &stranger, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/verifier/epochs", &stranger, map[string]interface{}{
		"witnesses": []string{strangerAddr.Hex()}, "minimumWitnesses": 1,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodPost, "/v1/vault/deposit", &stranger, map[string]string{"account": strangerAddr.Hex(), "amount": "5"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodPost, "/v1/owner/transfer", &stranger, map[string]string{"component": "registry", "newOwner": strangerAddr.Hex()})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/agreements", &stranger, StartAgreementRequest{
		Verifier:        DefaultVerifierAddress.Hex(),
		ContractInfo:    "0x00",
		TotalSize:       "10",
		CheckpointSizes: []string{"20"},
		Receiver:        receiverAddr.Hex(),
		Provider:        providerAddr.Hex(),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/v1/agreements", &stranger, map[string]string{"unexpected": "field"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	owner := ownerAddr
	rec = h.do(http.MethodPost, "/v1/owner/pause", &owner, map[string]interface{}{"module": "agreement", "paused": true})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodPost, "/v1/agreements/0/checkpoints/0", &stranger, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v1")})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOwnershipAndStatePersistAcrossRestart(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	owner := ownerAddr
	caller := providerAddr

	rec := h.do(http.MethodPost, "/v1/agreements/0/checkpoints/0", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v1")})
	require.Equal(t, http.StatusOK, rec.Code)

	updates, _, cancel := h.node.Stream.Subscribe("")
	defer cancel()
	rec = h.do(http.MethodPost, "/v1/owner/transfer", &owner, map[string]string{"component": "verifier", "newOwner": strangerAddr.Hex()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	select {
	case record := <-updates:
		require.Equal(t, events.TypeOwnershipTransferred, record.Event.Type)
		require.Equal(t, "verifier", record.Event.Attributes["component"])
	case <-time.After(time.Second):
		t.Fatal("ownership event not streamed")
	}

	// A fresh node over the same store and an empty read model.
	h.boot(filepath.Join(t.TempDir(), "fresh.db"))
	require.Equal(t, strangerAddr, h.node.Verifier.Authority().Owner())
	require.Equal(t, ownerAddr, h.node.Registry.Owner())
	count, err := h.node.Registry.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
	require.True(t, h.node.Registry.IsCheckpointCompleted(0, 0))
	_, ok := h.node.Attesters.CurrentEpoch()
	require.True(t, ok)

	rows, err := h.node.ReadModel.Completed(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.NoError(t, h.node.ReadModel.Rebuild(context.Background(), h.node.Registry))
	require.NoError(t, h.node.ReadModel.Rebuild(context.Background(), h.node.Registry))
	rows, err = h.node.ReadModel.Completed(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rec = h.do(http.MethodPost, "/v1/agreements/0/checkpoints/1", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v2")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEventsWebsocketReplaysBacklog(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	srv := httptest.NewServer(h.server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events?cursor=0", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var record events.Record
	require.NoError(t, json.Unmarshal(data, &record))
	require.Equal(t, events.TypeAgreementStarted, record.Event.Type)
	require.Equal(t, "0", record.Event.Attributes["agreementId"])

	caller := providerAddr
	rec := h.do(http.MethodPost, "/v1/agreements/0/checkpoints/0", &caller, map[string]string{"auxiliaryData": h.castProof("7", "Shipped v1")})
	require.Equal(t, http.StatusOK, rec.Code)
	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &record))
	require.Equal(t, events.TypeCheckpointCompleted, record.Event.Type)
	require.Equal(t, "300", record.Event.Attributes["amount"])
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("REGISTRYD_OWNER", ownerAddr.Hex())
	t.Setenv("REGISTRYD_JWT_SECRET", "s")
	t.Setenv("REGISTRYD_RATE_LIMIT_BURST", "7")
	t.Setenv("REGISTRYD_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, ownerAddr, cfg.Owner)
	require.Equal(t, 7, cfg.RateBurst)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	require.Equal(t, DefaultRegistryAddress, cfg.RegistryAddress)

	t.Setenv("REGISTRYD_VERIFIER_ADDRESS", DefaultRegistryAddress.Hex())
	_, err = LoadConfigFromEnv()
	require.ErrorContains(t, err, "must differ")

	t.Setenv("REGISTRYD_VERIFIER_ADDRESS", "")
	t.Setenv("REGISTRYD_JWT_SECRET", "")
	_, err = LoadConfigFromEnv()
	require.ErrorContains(t, err, "REGISTRYD_JWT_SECRET")
}
