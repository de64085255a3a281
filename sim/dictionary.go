package sim

import (
	"encoding/json"

	"as5048a/protocol"
	"as5048a/tinycompress"
)

// Dictionary is the data dictionary a Klipper MCU serves through identify.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]any            `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

func (r *registry) dictionary(clockFreq uint32) Dictionary {
	commands, responses := r.formats()
	return Dictionary{
		Version:       protocol.Version,
		BuildVersions: "sim",
		Config: map[string]any{
			"MCU":        "as5048a-sim",
			"CLOCK_FREQ": clockFreq,
		},
		Commands:  commands,
		Responses: responses,
		Enumerations: map[string]map[string]int{
			"spi_bus": {"spi0": 0, "spi1": 1},
		},
	}
}

// compressDictionary renders d as JSON inside a zlib stream, the form
// identify_response chunks are cut from
func compressDictionary(d Dictionary) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return tinycompress.Compress(data), nil
}

// chunk returns up to count bytes of data starting at offset
func chunk(data []byte, offset uint32, count uint8) []byte {
	if offset >= uint32(len(data)) {
		return nil
	}
	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	return data[offset:end]
}
