package driver

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"opclink/logging"
	"opclink/opc"
)

const (
	xmldaNS   = "http://opcfoundation.org/webservices/XMLDA/1.0/"
	soapNS    = "http://schemas.xmlsoap.org/soap/envelope/"
	xsiNS     = "http://www.w3.org/2001/XMLSchema-instance"
)

// XMLDataAccess is an OPC XML-DA connection (SOAP 1.1 over HTTP).
type XMLDataAccess struct {
	status statusCell

	mu     sync.RWMutex
	cfg    opc.ServerConfig
	client *http.Client
}

func newXMLDataAccess(cfg opc.ServerConfig) (Connection, error) {
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		// Non-HTTP endpoints (sim://) are served by a classic backend.
		return &DataAccess{classicConn{protocol: opc.ProtocolXMLDA, cfg: cfg}}, nil
	}
	return &XMLDataAccess{cfg: cfg}, nil
}

func (x *XMLDataAccess) Protocol() opc.Protocol { return opc.ProtocolXMLDA }

func (x *XMLDataAccess) Status() Status { return x.status.get() }

// MinScanRate is the fastest rate the worker polls an XML-DA server at.
func (x *XMLDataAccess) MinScanRate() time.Duration { return 250 * time.Millisecond }

type soapEnvelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    soapBody `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

type soapBody struct {
	Inner []byte     `xml:",innerxml"`
	Fault *soapFault `xml:"Fault"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

// xmlValue matches xsi:type by local name: the body is decoded apart from
// the envelope, so the xsi prefix declared there is no longer resolvable.
type xmlValue struct {
	Type string `xml:"type,attr"`
	Text string `xml:",chardata"`
}

type xmlQuality struct {
	QualityField string `xml:"QualityField,attr"`
}

type xmlItem struct {
	ItemName  string      `xml:"ItemName,attr"`
	Timestamp string      `xml:"Timestamp,attr"`
	ResultID  string      `xml:"ResultID,attr"`
	Value     *xmlValue   `xml:"Value"`
	Quality   *xmlQuality `xml:"Quality"`
}

type readResponse struct {
	Items  []xmlItem `xml:"RItemList>Items"`
	Errors []struct {
		ID   string `xml:"ID,attr"`
		Text string `xml:"Text"`
	} `xml:"Errors"`
}

type writeResponse struct {
	Items []xmlItem `xml:"RItemList>Items"`
}

type browseResponse struct {
	Elements []struct {
		Name        string `xml:"Name,attr"`
		ItemName    string `xml:"ItemName,attr"`
		IsItem      bool   `xml:"IsItem,attr"`
		HasChildren bool   `xml:"HasChildren,attr"`
	} `xml:"Elements"`
}

type statusResponse struct {
	Status struct {
		VendorInfo     string `xml:"VendorInfo"`
		ProductVersion string `xml:"ProductVersion"`
	} `xml:"Status"`
	Reply struct {
		ServerState string `xml:"ServerState,attr"`
	} `xml:"GetStatusResult"`
}

func (x *XMLDataAccess) Connect(ctx context.Context, cfg opc.ServerConfig) error {
	_ = x.Disconnect(ctx)
	x.status.set(StateConnecting, nil)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	var st statusResponse
	if err := x.call(ctx, client, cfg, "GetStatus", `<GetStatus xmlns="`+xmldaNS+`"/>`, &st); err != nil {
		x.status.set(StateError, err)
		return opc.NewCommError(cfg.ID, "connect", 0, err)
	}
	if s := st.Reply.ServerState; s != "" && s != "running" {
		err := fmt.Errorf("server state %q", s)
		x.status.set(StateError, err)
		return opc.NewCommError(cfg.ID, "connect", 0, err)
	}

	x.mu.Lock()
	x.cfg = cfg
	x.client = client
	x.mu.Unlock()
	x.status.set(StateConnected, nil)
	logging.DebugLog("xmlda", "%s: connected to %s (%s)", cfg.ID, cfg.Endpoint, st.Status.VendorInfo)
	return nil
}

func (x *XMLDataAccess) Disconnect(ctx context.Context) error {
	x.mu.Lock()
	c := x.client
	x.client = nil
	x.mu.Unlock()
	if c != nil {
		c.CloseIdleConnections()
	}
	x.status.set(StateDisconnected, nil)
	return nil
}

func (x *XMLDataAccess) session(op string) (*http.Client, opc.ServerConfig, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.client == nil {
		return nil, x.cfg, notConnected(x.cfg, op)
	}
	return x.client, x.cfg, nil
}

func (x *XMLDataAccess) fail(cfg opc.ServerConfig, op string, err error) error {
	if IsConnectionError(err) {
		x.status.set(StateError, err)
	}
	return opc.NewCommError(cfg.ID, op, 0, err)
}

// call posts one SOAP request and decodes the body element into out.
func (x *XMLDataAccess) call(ctx context.Context, client *http.Client, cfg opc.ServerConfig, action, body string, out interface{}) error {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<soap:Envelope xmlns:soap="` + soapNS + `" xmlns:xsi="` + xsiNS + `" xmlns:xsd="http://www.w3.org/2001/XMLSchema"><soap:Body>`)
	buf.WriteString(body)
	buf.WriteString(`</soap:Body></soap:Envelope>`)
	logging.DebugTX("xmlda", buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+xmldaNS+action+`"`)
	if cfg.Credentials != nil {
		req.SetBasicAuth(cfg.Credentials.Username, cfg.Credentials.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	logging.DebugRX("xmlda", data)

	var env soapEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%s: decode response (HTTP %d): %w", action, resp.StatusCode, err)
	}
	if env.Body.Fault != nil {
		return fmt.Errorf("%s: soap fault %s: %s", action, env.Body.Fault.Code, env.Body.Fault.String)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", action, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return xml.Unmarshal(env.Body.Inner, out)
}

func parseXMLQuality(q *xmlQuality, resultID string) opc.Quality {
	if strings.HasPrefix(resultID, "E_") {
		return opc.QualityBad
	}
	if q == nil || q.QualityField == "" {
		return opc.QualityGood
	}
	f := strings.ToLower(q.QualityField)
	switch {
	case strings.HasPrefix(f, "good"):
		return opc.QualityGood
	case strings.HasPrefix(f, "uncertain"), strings.HasPrefix(f, "lastusable"), strings.HasPrefix(f, "sensorcal"), strings.HasPrefix(f, "egu"), strings.HasPrefix(f, "subnormal"):
		return opc.QualityUncertain
	default:
		return opc.QualityBad
	}
}

// parseXMLValue converts an xsi-typed value element into a Go value.
func parseXMLValue(v *xmlValue) interface{} {
	if v == nil {
		return nil
	}
	t := v.Type
	if i := strings.LastIndexByte(t, ':'); i >= 0 {
		t = t[i+1:]
	}
	s := strings.TrimSpace(v.Text)
	switch t {
	case "boolean":
		b, err := strconv.ParseBool(s)
		if err == nil {
			return b
		}
	case "byte", "short", "int", "long":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "unsignedByte", "unsignedShort", "unsignedInt", "unsignedLong":
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	case "float":
		if f, err := strconv.ParseFloat(s, 32); err == nil {
			return float32(f)
		}
	case "double", "decimal":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "dateTime":
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
	}
	return s
}

func xsdType(v interface{}) (string, string) {
	switch x := v.(type) {
	case bool:
		return "boolean", strconv.FormatBool(x)
	case int, int8, int16, int32, int64:
		return "long", fmt.Sprint(x)
	case uint, uint8, uint16, uint32, uint64:
		return "unsignedLong", fmt.Sprint(x)
	case float32:
		return "float", strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return "double", strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return "dateTime", x.UTC().Format(time.RFC3339Nano)
	default:
		return "string", fmt.Sprint(x)
	}
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func (x *XMLDataAccess) Read(ctx context.Context, nodes []string) ([]opc.DataValue, error) {
	client, cfg, err := x.session("read")
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(`<Read xmlns="` + xmldaNS + `"><Options ReturnItemTime="true" ReturnItemName="true"/><ItemList>`)
	for _, n := range nodes {
		b.WriteString(`<Items ItemName="` + escape(n) + `"/>`)
	}
	b.WriteString(`</ItemList></Read>`)

	var resp readResponse
	if err := x.call(ctx, client, cfg, "Read", b.String(), &resp); err != nil {
		return nil, x.fail(cfg, "read", err)
	}

	byName := make(map[string]xmlItem, len(resp.Items))
	for _, it := range resp.Items {
		byName[it.ItemName] = it
	}
	out := make([]opc.DataValue, len(nodes))
	for i, n := range nodes {
		it, ok := byName[n]
		if !ok && i < len(resp.Items) && resp.Items[i].ItemName == "" {
			it, ok = resp.Items[i], true
		}
		if !ok {
			out[i] = opc.NewDataValue(nil, opc.QualityBad, time.Time{})
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, it.Timestamp)
		out[i] = opc.NewDataValue(parseXMLValue(it.Value), parseXMLQuality(it.Quality, it.ResultID), ts)
	}
	return out, nil
}

func (x *XMLDataAccess) Write(ctx context.Context, node string, value interface{}) error {
	client, cfg, err := x.session("write")
	if err != nil {
		return err
	}
	typ, text := xsdType(value)
	body := `<Write xmlns="` + xmldaNS + `"><Options/><ItemList><Items ItemName="` + escape(node) + `">` +
		`<Value xsi:type="xsd:` + typ + `">` + escape(text) + `</Value></Items></ItemList></Write>`

	var resp writeResponse
	if err := x.call(ctx, client, cfg, "Write", body, &resp); err != nil {
		return x.fail(cfg, "write", err)
	}
	for _, it := range resp.Items {
		if strings.HasPrefix(it.ResultID, "E_") {
			return opc.NewCommError(cfg.ID, "write", 0, fmt.Errorf("%s: %s", node, it.ResultID))
		}
	}
	return nil
}

func (x *XMLDataAccess) Browse(ctx context.Context, node string) ([]opc.BrowseNode, error) {
	client, cfg, err := x.session("browse")
	if err != nil {
		return nil, err
	}
	body := `<Browse xmlns="` + xmldaNS + `" ItemName="` + escape(node) + `" BrowseFilter="all"/>`
	var resp browseResponse
	if err := x.call(ctx, client, cfg, "Browse", body, &resp); err != nil {
		return nil, x.fail(cfg, "browse", err)
	}
	out := make([]opc.BrowseNode, 0, len(resp.Elements))
	for _, e := range resp.Elements {
		out = append(out, opc.BrowseNode{NodeAddress: e.ItemName, Name: e.Name, HasChildren: e.HasChildren})
	}
	return out, nil
}
