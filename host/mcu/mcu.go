// Package mcu connects to a Klipper MCU, loads its data dictionary and
// drives SPI devices wired to it.
package mcu

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/golang/glog"

	"as5048a/host/serial"
	"as5048a/protocol"
)

var (
	ErrNotConnected   = errors.New("not connected to MCU")
	ErrNoDictionary   = errors.New("dictionary not loaded")
	ErrUnknownCommand = errors.New("unknown command")
)

// Bootstrap message IDs every Klipper MCU shares
const (
	identifyResponseID = 0
	identifyID         = 1
	identifyChunk      = 40
)

// DefaultTimeout bounds a command round trip when the caller gives no deadline
const DefaultTimeout = 2 * time.Second

// MCU is a connection to a Klipper microcontroller
type MCU struct {
	transport *protocol.HostTransport

	dictionary     *Dictionary
	dictionaryData []byte
	commands       map[string]*Format
	responses      map[string]*Format
	responsesByID  map[uint16]*Format

	connected bool
	timeout   time.Duration
}

// Dictionary is the parsed MCU data dictionary
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]any            `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]any `json:"enumerations,omitempty"`
}

// NewMCU creates an MCU that is not yet connected
func NewMCU() *MCU {
	return &MCU{timeout: DefaultTimeout}
}

// SetTimeout changes the round trip bound used by SPI transfers
func (m *MCU) SetTimeout(d time.Duration) {
	m.timeout = d
}

// Connect opens device with the default serial settings
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig opens a serial port with cfg
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	m.ConnectPort(port)
	return nil
}

// ConnectPort speaks the protocol on an already open stream
func (m *MCU) ConnectPort(port io.ReadWriteCloser) {
	m.transport = protocol.NewHostTransport(port)
	m.connected = true
}

// Close closes the transport and the port under it
func (m *MCU) Close() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	return m.transport.Close()
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	return m.connected
}

func (m *MCU) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// RetrieveDictionary downloads the dictionary with identify, inflates it
// and indexes its commands and responses by name
func (m *MCU) RetrieveDictionary(ctx context.Context) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	var buf bytes.Buffer
	for offset := uint32(0); ; {
		chunk, err := m.sendIdentify(ctx, offset, identifyChunk)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}
		buf.Write(chunk)
		offset += uint32(len(chunk))
		glog.V(2).Infof("identify: %d bytes", offset)

		if len(chunk) < identifyChunk {
			break
		}
	}

	raw := buf.Bytes()
	if len(raw) > 0 && raw[0] == 0x78 {
		inflated, err := inflate(raw)
		if err != nil {
			return fmt.Errorf("failed to decompress dictionary: %w", err)
		}
		glog.V(1).Infof("dictionary decompressed: %d -> %d bytes", len(raw), len(inflated))
		raw = inflated
	}
	m.dictionaryData = raw

	if err := m.parseDictionary(); err != nil {
		return fmt.Errorf("failed to parse dictionary: %w", err)
	}
	glog.Infof("dictionary loaded: version %s, %d commands, %d responses",
		m.dictionary.Version, len(m.commands), len(m.responses))
	return nil
}

func (m *MCU) sendIdentify(ctx context.Context, offset uint32, count uint8) ([]byte, error) {
	ctx, cancel := m.context(ctx)
	defer cancel()

	err := m.transport.SendCommand(ctx, identifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, uint32(count))
	})
	if err != nil {
		return nil, err
	}

	for {
		payload, err := m.transport.WaitResponse(ctx, identifyResponseID)
		if err != nil {
			return nil, err
		}
		respOffset, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return nil, err
		}
		if respOffset != offset {
			// left over from an earlier request
			continue
		}
		data, err := protocol.DecodeVLQBytes(&payload)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), data...), nil
	}
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (m *MCU) parseDictionary() error {
	dict := &Dictionary{}
	if err := json.Unmarshal(m.dictionaryData, dict); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	commands := make(map[string]*Format, len(dict.Commands))
	for key, id := range dict.Commands {
		f, err := ParseFormat(uint16(id), key)
		if err != nil {
			return err
		}
		commands[f.Name] = f
	}
	responses := make(map[string]*Format, len(dict.Responses))
	byID := make(map[uint16]*Format, len(dict.Responses))
	for key, id := range dict.Responses {
		f, err := ParseFormat(uint16(id), key)
		if err != nil {
			return err
		}
		responses[f.Name] = f
		byID[f.ID] = f
	}

	m.dictionary = dict
	m.commands = commands
	m.responses = responses
	m.responsesByID = byID
	return nil
}

// Dictionary returns the parsed dictionary, nil before RetrieveDictionary
func (m *MCU) Dictionary() *Dictionary {
	return m.dictionary
}

// DictionaryRaw returns the inflated dictionary JSON
func (m *MCU) DictionaryRaw() []byte {
	return m.dictionaryData
}

// HasCommand reports whether the MCU declares a command called name
func (m *MCU) HasCommand(name string) bool {
	_, ok := m.commands[name]
	return ok
}

func (m *MCU) command(name string) (*Format, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}
	if m.dictionary == nil {
		return nil, ErrNoDictionary
	}
	f, ok := m.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return f, nil
}

// SendCommand sends the command called name, encoding args by its
// dictionary format, and waits for the ACK
func (m *MCU) SendCommand(ctx context.Context, name string, args ...any) error {
	f, err := m.command(name)
	if err != nil {
		return err
	}

	encoded := protocol.NewScratchOutput()
	if err := f.Encode(encoded, args...); err != nil {
		return err
	}

	ctx, cancel := m.context(ctx)
	defer cancel()
	err = m.transport.SendCommand(ctx, f.ID, func(output protocol.OutputBuffer) {
		output.Output(encoded.Result())
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	glog.V(3).Infof("sent %s %v", name, args)
	return nil
}

// Query sends a command and returns the parameters of the response called
// response. When the command has an oid, responses for other oids are
// skipped.
func (m *MCU) Query(ctx context.Context, name, response string, args ...any) (Params, error) {
	f, err := m.command(name)
	if err != nil {
		return nil, err
	}
	rf, ok := m.responses[response]
	if !ok {
		return nil, fmt.Errorf("%w: response %s", ErrUnknownCommand, response)
	}

	ctx, cancel := m.context(ctx)
	defer cancel()

	if err := m.SendCommand(ctx, name, args...); err != nil {
		return nil, err
	}

	oid, hasOID := paramValue(f, "oid", args)
	for {
		payload, err := m.transport.WaitResponse(ctx, rf.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: waiting for %s: %w", name, response, err)
		}
		params, err := rf.Decode(payload)
		if err != nil {
			return nil, err
		}
		if _, ok := params["oid"]; hasOID && ok && int64(params.Uint("oid")) != oid {
			continue
		}
		return params, nil
	}
}

func paramValue(f *Format, name string, args []any) (int64, bool) {
	for i, p := range f.Params {
		if p.Name == name && i < len(args) {
			v, err := toInt(args[i])
			return v, err == nil
		}
	}
	return 0, false
}

// PrintDictionary writes a summary of the dictionary to w
func (m *MCU) PrintDictionary(w io.Writer) {
	if m.dictionary == nil {
		fmt.Fprintln(w, "No dictionary loaded")
		return
	}

	fmt.Fprintln(w, "=== MCU Dictionary ===")
	fmt.Fprintf(w, "Version: %s\n", m.dictionary.Version)
	fmt.Fprintf(w, "Build: %s\n", m.dictionary.BuildVersions)

	fmt.Fprintln(w, "\nConfig:")
	for _, k := range sortedKeys(m.dictionary.Config) {
		fmt.Fprintf(w, "  %s = %v\n", k, m.dictionary.Config[k])
	}

	fmt.Fprintf(w, "\nCommands (%d):\n", len(m.dictionary.Commands))
	for _, k := range sortedByID(m.dictionary.Commands) {
		fmt.Fprintf(w, "  [%d] %s\n", m.dictionary.Commands[k], k)
	}
	fmt.Fprintf(w, "\nResponses (%d):\n", len(m.dictionary.Responses))
	for _, k := range sortedByID(m.dictionary.Responses) {
		fmt.Fprintf(w, "  [%d] %s\n", m.dictionary.Responses[k], k)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedByID(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return m[keys[i]] < m[keys[j]] })
	return keys
}
