package proxy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dartworks/mesh-command/internal/log"
	"github.com/dartworks/mesh-command/pkg/mesh"
	"github.com/dartworks/mesh-command/pkg/protocol"
)

const (
	DefaultTimeout      = 10 * time.Second
	maxRequestBodyBytes = 4096
)

// Proxy exposes an HTTP API for managing a mesh network.
type Proxy struct {
	// Timeout bounds message exchanges triggered by a request. Scanning and provisioning use
	// their own, longer budgets.
	Timeout time.Duration

	provisioner *mesh.Provisioner
	jwtSecret   []byte
}

// New creates an HTTP proxy around provisioner. Requests must carry a Bearer token signed with
// jwtSecret (HS256); an empty secret disables authentication.
func New(provisioner *mesh.Provisioner, jwtSecret []byte) *Proxy {
	return &Proxy{
		Timeout:     DefaultTimeout,
		provisioner: provisioner,
		jwtSecret:   jwtSecret,
	}
}

// Response contains the server's response to a client request.
type Response struct {
	Response   interface{} `json:"response"`
	Error      string      `json:"error,omitempty"`
	ErrDetails string      `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	jsonBytes, err := json.Marshal(&Response{Response: body})
	if err != nil {
		log.Error("Error serializing reply %+v: %s", body, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{}
	if err == nil {
		reply.Error = http.StatusText(code)
	} else {
		reply.Error = err.Error()
		if protocol.MayHaveSucceeded(err) {
			reply.ErrDetails = "the command may have been executed despite the error"
		}
	}
	jsonBytes, marshalErr := json.Marshal(&reply)
	if marshalErr != nil {
		log.Error("Error serializing reply %+v: %s", &reply, marshalErr)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	if code != http.StatusOK {
		log.Error("Returning error %s: %s", http.StatusText(code), reply.Error)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonBytes = append(jsonBytes, '\n')
	w.Write(jsonBytes)
}

// statusCodeForError maps protocol errors onto HTTP status codes.
func statusCodeForError(err error) int {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidAddress), errors.Is(err, protocol.ErrDuplicateAddress):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrProvisioningBusy):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrNotConnected), errors.Is(err, protocol.ErrLinkLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (p *Proxy) authorize(req *http.Request) error {
	if len(p.jwtSecret) == 0 {
		return nil
	}
	tokenString, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return fmt.Errorf("client did not provide a bearer token")
	}
	_, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return p.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("invalid bearer token: %w", err)
	}
	return nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Info("Received %s request for %s", req.Method, req.URL.Path)

	if err := p.authorize(req); err != nil {
		writeJSONError(w, http.StatusForbidden, err)
		return
	}

	endpoint, ok := strings.CutPrefix(req.URL.Path, "/api/1/mesh/")
	if !ok {
		writeJSONError(w, http.StatusNotFound, nil)
		return
	}

	switch endpoint {
	case "status":
		p.handleStatus(w, req)
	case "nodes":
		p.handleNodes(w, req)
	case "scan":
		p.handleScan(w, req)
	case "provision":
		p.handleProvision(w, req)
	case "send":
		p.handleSend(w, req)
	default:
		writeJSONError(w, http.StatusNotFound, nil)
	}
}

func (p *Proxy) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	status := p.provisioner.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_count":      status.NodeCount,
		"connected_count": status.ConnectedCount,
		"address":         status.NetworkAddress.String(),
		"next_unicast":    fmt.Sprintf("0x%04x", status.NextUnicast),
		"key_index":       status.KeyIndex,
	})
}

type nodeJSON struct {
	Address      string    `json:"address"`
	Name         string    `json:"name,omitempty"`
	DeviceUUID   string    `json:"device_uuid"`
	Elements     uint8     `json:"elements"`
	BLEAddress   string    `json:"ble_address"`
	Connectivity string    `json:"connectivity"`
	LastSeen     time.Time `json:"last_seen"`
}

func nodeToJSON(node *mesh.Node) nodeJSON {
	return nodeJSON{
		Address:      node.Address.String(),
		Name:         node.Name,
		DeviceUUID:   node.DeviceUUID.String(),
		Elements:     node.Elements,
		BLEAddress:   node.BLEAddress,
		Connectivity: node.Connectivity.String(),
		LastSeen:     node.LastSeen,
	}
}

func (p *Proxy) handleNodes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	nodes := p.provisioner.Nodes()
	out := make([]nodeJSON, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, nodeToJSON(node))
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeBody(req *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodyBytes))
	if err != nil {
		return fmt.Errorf("could not read request body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error occurred while parsing request parameters: %w", err)
	}
	return nil
}

func (p *Proxy) handleScan(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	var params struct {
		Prefix         string `json:"prefix"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decodeBody(req, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	timeout := time.Duration(params.TimeoutSeconds) * time.Second
	devices, err := p.provisioner.Scan(req.Context(), params.Prefix, timeout)
	if err != nil {
		writeJSONError(w, statusCodeForError(err), err)
		return
	}

	type deviceJSON struct {
		Address    string `json:"address"`
		LocalName  string `json:"local_name"`
		DeviceUUID string `json:"device_uuid"`
		RSSI       int16  `json:"rssi"`
	}
	out := make([]deviceJSON, 0, len(devices))
	for _, adv := range devices {
		out = append(out, deviceJSON{
			Address:    adv.Address,
			LocalName:  adv.LocalName,
			DeviceUUID: adv.DeviceUUID.String(),
			RSSI:       adv.RSSI,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (p *Proxy) handleProvision(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	var params struct {
		DeviceUUID string `json:"device_uuid"`
		All        bool   `json:"all"`
	}
	if err := decodeBody(req, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	if params.All {
		results := p.provisioner.ProvisionAll(req.Context())
		type resultJSON struct {
			Device string    `json:"device"`
			Node   *nodeJSON `json:"node,omitempty"`
			Error  string    `json:"error,omitempty"`
		}
		out := make([]resultJSON, 0, len(results))
		for _, result := range results {
			entry := resultJSON{Device: result.Device.Address}
			if result.Node != nil {
				node := nodeToJSON(result.Node)
				entry.Node = &node
			}
			if result.Err != nil {
				entry.Error = result.Err.Error()
			}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	deviceUUID, err := uuid.Parse(params.DeviceUUID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid device_uuid: %w", err))
		return
	}
	adv, ok := p.provisioner.Discovered(deviceUUID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("device %s not found by the last scan", deviceUUID))
		return
	}
	node, err := p.provisioner.Provision(req.Context(), adv)
	if err != nil {
		writeJSONError(w, statusCodeForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, nodeToJSON(node))
}

// parseDestination accepts "0x0002", "2", or a group/broadcast address in the same forms.
func parseDestination(s string) (protocol.Address, error) {
	var raw uint64
	var err error
	if hexDigits, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		raw, err = strconv.ParseUint(hexDigits, 16, 16)
	} else {
		raw, err = strconv.ParseUint(s, 10, 16)
	}
	if err != nil {
		return protocol.Address{}, protocol.ErrInvalidAddress
	}
	return protocol.ValidateAddress(uint16(raw))
}

func (p *Proxy) handleSend(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
		return
	}
	var params struct {
		Address      string  `json:"address"`
		Command      string  `json:"command"`
		On           bool    `json:"on"`
		Level        int16   `json:"level"`
		PropertyID   *uint16 `json:"property_id"`
		Opcode       uint32  `json:"opcode"`
		Parameters   string  `json:"parameters"`
		Acknowledged *bool   `json:"acknowledged"`
	}
	if err := decodeBody(req, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	destination, err := parseDestination(params.Address)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	acknowledged := destination.IsUnicast()
	if params.Acknowledged != nil {
		acknowledged = *params.Acknowledged
	}

	ctx, cancel := context.WithTimeout(req.Context(), p.Timeout)
	defer cancel()

	var status protocol.Message
	switch params.Command {
	case "onoff":
		status, err = p.provisioner.SetOnOff(ctx, destination, params.On, acknowledged)
	case "level":
		status, err = p.provisioner.SetLevel(ctx, destination, params.Level, acknowledged)
	case "sensor":
		status, err = p.provisioner.GetSensor(ctx, destination, params.PropertyID)
	case "config":
		parameters, decodeErr := hex.DecodeString(params.Parameters)
		if decodeErr != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid parameters hex: %w", decodeErr))
			return
		}
		status, err = p.provisioner.SendConfig(ctx, destination, protocol.Opcode(params.Opcode), parameters)
	default:
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("unknown command %q", params.Command))
		return
	}
	if err != nil {
		writeJSONError(w, statusCodeForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, statusToJSON(status))
}

func statusToJSON(status protocol.Message) map[string]interface{} {
	if status == nil {
		return map[string]interface{}{"result": true}
	}
	out := map[string]interface{}{"result": true}
	switch msg := status.(type) {
	case protocol.OnOffStatus:
		out["on"] = msg.On
	case protocol.LevelStatus:
		out["level"] = msg.Value
	case protocol.SensorStatus:
		out["data"] = hex.EncodeToString(msg.Data)
	case protocol.Config:
		out["opcode"] = uint32(msg.Opcode)
		out["parameters"] = hex.EncodeToString(msg.Parameters)
	}
	return out
}
