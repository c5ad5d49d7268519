package regmodel

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlRoot mirrors the config file shape from spec.md §6 and is converted
// into the typed RootConfig graph by Load. Kept as a separate unexported
// shape (rather than YAML tags directly on RootConfig) so the graph itself
// stays free of back-reference cycles during unmarshal, matching the
// teacher's config.go pattern of a flat YAML DTO converted into a richer
// runtime struct.
type yamlRoot struct {
	Bus struct {
		Address     string `yaml:"address"`
		Base        string `yaml:"base"`
		DialTimeout string `yaml:"dial_timeout"`
	} `yaml:"bus"`
	System struct {
		Storage struct {
			Enabled      bool   `yaml:"enabled"`
			DBPath       string `yaml:"db_path"`
			MaxQueueSize int    `yaml:"max_queue_size"`
		} `yaml:"storage"`
		Metrics struct {
			Enabled bool   `yaml:"enabled"`
			Listen  string `yaml:"listen"`
		} `yaml:"metrics"`
	} `yaml:"system"`
	Connections []yamlConnection `yaml:"connections"`
}

type yamlConnection struct {
	Name              string `yaml:"name"`
	Protocol          string `yaml:"protocol"`
	IPAddress         string `yaml:"ip_address"`
	Port              int    `yaml:"port"`
	SerialDevice      string `yaml:"serial_device"`
	BaudRate          int    `yaml:"baud_rate"`
	DataBits          int    `yaml:"data_bits"`
	StopBits          int    `yaml:"stop_bits"`
	Parity            string `yaml:"parity"`
	MaxNumConnections int    `yaml:"max_num_connections"`
	DeviceID          int    `yaml:"device_id"`
	ConnectionTimeout string `yaml:"connection_timeout"`
	Debug             bool   `yaml:"debug"`
	AllowMultiSets     bool    `yaml:"allow_multi_sets"`
	MaxIOTries         int     `yaml:"max_io_tries"`
	OffByOne           bool    `yaml:"off_by_one"`
	MaxWritesPerSecond float64 `yaml:"max_writes_per_second"`

	Components []yamlComponent `yaml:"components"`
}

type yamlComponent struct {
	ID                          string `yaml:"id"`
	Frequency                   int    `yaml:"frequency"`
	OffsetTime                  int    `yaml:"offset_time"`
	DeviceID                    int    `yaml:"device_id"`
	ByteSwap                    bool   `yaml:"byte_swap"`
	WordSwap                    bool   `yaml:"word_swap"`
	DebounceMS                  int    `yaml:"debounce_ms"`
	HeartbeatEnabled            bool   `yaml:"heartbeat_enabled"`
	ModbusHeartbeatFreqMS       int    `yaml:"modbus_heartbeat_freq_ms"`
	ComponentHeartbeatTimeoutMS int    `yaml:"component_heartbeat_timeout_ms"`
	ComponentHeartbeatReadURI   string `yaml:"component_heartbeat_read_uri"`
	ComponentHeartbeatWriteURI  string `yaml:"component_heartbeat_write_uri"`

	Registers []yamlRegisterGroup `yaml:"registers"`
}

type yamlRegisterGroup struct {
	Type              string      `yaml:"type"`
	StartingOffset    int         `yaml:"starting_offset"`
	NumberOfRegisters int         `yaml:"number_of_registers"`
	Enabled           *bool       `yaml:"enabled"`
	Map               []yamlPoint `yaml:"map"`
}

type yamlBitString struct {
	Label string `yaml:"label"`
	Value *int64 `yaml:"value"`
	Known *bool  `yaml:"known"`
}

type yamlPoint struct {
	ID              string          `yaml:"id"`
	Offset          int             `yaml:"offset"`
	Size            int             `yaml:"size"`
	Signed          bool            `yaml:"signed"`
	Float           bool            `yaml:"float"`
	Float64         bool            `yaml:"float64"`
	WordSwap        *bool           `yaml:"word_swap"`
	ByteSwap        *bool           `yaml:"byte_swap"`
	Scale           float64         `yaml:"scale"`
	Shift           int32           `yaml:"shift"`
	InvertMask      uint64          `yaml:"invert_mask"`
	CareMask        uint64          `yaml:"care_mask"`
	StartingBitPos  int             `yaml:"starting_bit_pos"`
	NumberOfBits    int             `yaml:"number_of_bits"`
	MultiWriteOpCode int            `yaml:"multi_write_op_code"`
	AutoDisable     bool            `yaml:"auto_disable"`
	Deadband        float64         `yaml:"deadband"`
	BitField        []yamlBitString `yaml:"bit_field"`
	IndividualBits  []yamlBitString `yaml:"individual_bits"`
	Enum            []yamlBitString `yaml:"enum"`
	PackedRegister  []yamlPoint     `yaml:"packed_register"`
}

// Load reads and validates a YAML configuration file per spec.md §4.1 and
// §6. Any validation failure aborts the load; there is no partial
// configuration.
func Load(path string) (*RootConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var y yamlRoot
	if err := yaml.Unmarshal(b, &y); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return build(&y)
}

func build(y *yamlRoot) (*RootConfig, error) {
	root := &RootConfig{}

	root.Bus.Address = y.Bus.Address
	root.Bus.Base = y.Bus.Base
	if root.Bus.Base == "" {
		root.Bus.Base = "modbus_client"
	}
	if d, err := parseDurationOrMS(y.Bus.DialTimeout); err == nil && d > 0 {
		root.Bus.DialTimeout = d
	} else {
		root.Bus.DialTimeout = 5 * time.Second
	}

	root.System.Storage.Enabled = y.System.Storage.Enabled
	root.System.Storage.DBPath = y.System.Storage.DBPath
	root.System.Storage.MaxQueueSize = y.System.Storage.MaxQueueSize
	root.System.Metrics.Enabled = y.System.Metrics.Enabled
	root.System.Metrics.Listen = y.System.Metrics.Listen

	if len(y.Connections) == 0 {
		return nil, fmt.Errorf("config: no connections configured")
	}

	for ci, yc := range y.Connections {
		if strings.TrimSpace(yc.Name) == "" {
			return nil, fmt.Errorf("connection[%d]: name is required", ci)
		}
		conn := &Connection{
			Name:              yc.Name,
			Protocol:          strings.ToLower(strings.TrimSpace(yc.Protocol)),
			Host:              yc.IPAddress,
			Port:              yc.Port,
			SerialDevice:      yc.SerialDevice,
			BaudRate:          yc.BaudRate,
			DataBits:          yc.DataBits,
			StopBits:          yc.StopBits,
			Parity:            yc.Parity,
			MaxNumConnections: yc.MaxNumConnections,
			DeviceID:          yc.DeviceID,
			Debug:             yc.Debug,
			AllowMultiSets:     yc.AllowMultiSets,
			MaxIOTries:         yc.MaxIOTries,
			OffByOne:           yc.OffByOne,
			MaxWritesPerSecond: yc.MaxWritesPerSecond,
		}
		if conn.Protocol == "" {
			conn.Protocol = "tcp"
		}
		if conn.Protocol != "tcp" && conn.Protocol != "rtu" {
			return nil, fmt.Errorf("connection %s: unsupported protocol %q", conn.Name, yc.Protocol)
		}
		if conn.MaxNumConnections <= 0 {
			conn.MaxNumConnections = 1
		}
		if conn.MaxIOTries <= 0 {
			conn.MaxIOTries = 10
		}
		if d, err := parseDurationOrMS(yc.ConnectionTimeout); err == nil && d > 0 {
			conn.ConnectionTimeout = d
		} else {
			conn.ConnectionTimeout = 5 * time.Second
		}
		if conn.Protocol == "rtu" {
			applySerialDefaults(conn)
		}

		if len(yc.Components) == 0 {
			return nil, fmt.Errorf("connection %s: no components configured", conn.Name)
		}

		for _, ycomp := range yc.Components {
			comp, err := buildComponent(conn, ycomp)
			if err != nil {
				return nil, err
			}
			conn.Components = append(conn.Components, comp)
		}

		root.Connections = append(root.Connections, conn)
	}

	return root, nil
}

func buildComponent(conn *Connection, yc yamlComponent) (*Component, error) {
	if strings.TrimSpace(yc.ID) == "" {
		return nil, fmt.Errorf("connection %s: component id is required", conn.Name)
	}
	comp := &Component{
		ID:              yc.ID,
		Frequency:       time.Duration(yc.Frequency) * time.Millisecond,
		OffsetTime:      time.Duration(yc.OffsetTime) * time.Millisecond,
		DeviceID:        yc.DeviceID,
		DefaultByteSwap: yc.ByteSwap,
		DefaultWordSwap: yc.WordSwap,
		Debounce:        time.Duration(yc.DebounceMS) * time.Millisecond,
		connection:      conn,
	}
	if comp.DeviceID == 0 {
		comp.DeviceID = conn.DeviceID
	}
	if comp.Frequency <= 0 {
		comp.Frequency = time.Second
	}
	comp.LatenessThreshold = comp.Frequency
	comp.connected = !yc.HeartbeatEnabled // no heartbeat => always considered connected

	comp.Heartbeat = HeartbeatConfig{
		Enabled:   yc.HeartbeatEnabled,
		ReadURI:   yc.ComponentHeartbeatReadURI,
		WriteURI:  yc.ComponentHeartbeatWriteURI,
		FreqMS:    yc.ModbusHeartbeatFreqMS,
		TimeoutMS: yc.ComponentHeartbeatTimeoutMS,
	}
	if comp.Heartbeat.Enabled {
		if comp.Heartbeat.FreqMS <= 0 {
			comp.Heartbeat.FreqMS = 1000
		}
		if comp.Heartbeat.TimeoutMS <= 0 {
			comp.Heartbeat.TimeoutMS = 5000
		}
	}

	if len(yc.Registers) == 0 {
		return nil, fmt.Errorf("component %s: no register groups configured", comp.ID)
	}

	pointsByURI := map[string]*IOPoint{}

	for gi, yg := range yc.Registers {
		grp, err := buildRegisterGroup(comp, yg)
		if err != nil {
			return nil, fmt.Errorf("component %s group[%d]: %w", comp.ID, gi, err)
		}
		comp.Groups = append(comp.Groups, grp)
		for _, p := range grp.Points {
			pointsByURI[p.ID] = p
		}
	}

	if comp.Heartbeat.Enabled {
		rp := pointsByURI[comp.Heartbeat.ReadURI]
		if rp == nil {
			return nil, fmt.Errorf("component %s: heartbeat read point %q not found", comp.ID, comp.Heartbeat.ReadURI)
		}
		comp.Heartbeat.readPoint = rp
		if comp.Heartbeat.WriteURI != "" {
			wp := pointsByURI[comp.Heartbeat.WriteURI]
			if wp == nil {
				return nil, fmt.Errorf("component %s: heartbeat write point %q not found", comp.ID, comp.Heartbeat.WriteURI)
			}
			comp.Heartbeat.writePoint = wp
		}
	}

	return comp, nil
}

func buildRegisterGroup(comp *Component, yg yamlRegisterGroup) (*RegisterGroup, error) {
	rt, ok := ParseRegisterType(yg.Type)
	if !ok {
		return nil, fmt.Errorf("bad register type %q", yg.Type)
	}
	if yg.NumberOfRegisters <= 0 {
		return nil, fmt.Errorf("number_of_registers must be positive")
	}
	grp := &RegisterGroup{
		StartingOffset:    yg.StartingOffset,
		NumberOfRegisters: yg.NumberOfRegisters,
		Type:              rt,
		Enabled:           true,
		component:         comp,
	}
	if yg.Enabled != nil {
		grp.Enabled = *yg.Enabled
	}

	for pi, yp := range yg.Map {
		p, err := buildPoint(comp, yp)
		if err != nil {
			return nil, fmt.Errorf("map[%d] %s: %w", pi, yp.ID, err)
		}
		if p.Offset < grp.StartingOffset || p.End() > grp.StartingOffset+grp.NumberOfRegisters {
			return nil, fmt.Errorf("point %s: offset %d size %d falls outside group [%d,%d)",
				p.ID, p.Offset, p.Size, grp.StartingOffset, grp.StartingOffset+grp.NumberOfRegisters)
		}
		p.group = grp
		grp.Points = append(grp.Points, p)
	}

	sort.Slice(grp.Points, func(i, j int) bool { return grp.Points[i].Offset < grp.Points[j].Offset })
	for i := 1; i < len(grp.Points); i++ {
		if grp.Points[i].Offset < grp.Points[i-1].End() {
			return nil, fmt.Errorf("points %s and %s overlap", grp.Points[i-1].ID, grp.Points[i].ID)
		}
	}

	return grp, nil
}

func buildPoint(comp *Component, yp yamlPoint) (*IOPoint, error) {
	if strings.TrimSpace(yp.ID) == "" {
		return nil, fmt.Errorf("io_point id is required")
	}
	size := yp.Size
	if size == 0 {
		size = 1
	}
	if size != 1 && size != 2 && size != 4 {
		return nil, fmt.Errorf("point %s: size must be 1, 2 or 4, got %d", yp.ID, size)
	}
	if size == 1 && (yp.Float || yp.Float64) {
		return nil, fmt.Errorf("point %s: size 1 cannot be float", yp.ID)
	}

	p := &IOPoint{
		ID:               yp.ID,
		Offset:           yp.Offset,
		Size:             size,
		Signed:           yp.Signed,
		IsFloat:          yp.Float,
		IsFloat64:        yp.Float64,
		InvertMask:       yp.InvertMask,
		CareMask:         yp.CareMask,
		UsesMasks:        yp.InvertMask != 0 || yp.CareMask != 0,
		StartingBitPos:   yp.StartingBitPos,
		NumberOfBits:     yp.NumberOfBits,
		Scale:            yp.Scale,
		Shift:            yp.Shift,
		MultiWriteOpCode: yp.MultiWriteOpCode,
		AutoDisable:      yp.AutoDisable,
		IsEnabled:        true,
		DebounceWindow:   comp.Debounce,
		Deadband:         yp.Deadband,
	}
	if yp.WordSwap != nil {
		p.WordSwap = *yp.WordSwap
	} else {
		p.WordSwap = comp.DefaultWordSwap
	}
	if yp.ByteSwap != nil {
		p.ByteSwap = *yp.ByteSwap
	} else {
		p.ByteSwap = comp.DefaultByteSwap
	}

	kinds := 0
	if len(yp.IndividualBits) > 0 {
		kinds++
		p.BitKind = BitsIndividual
		p.BitStrings = bitEntries(yp.IndividualBits)
	}
	if len(yp.BitField) > 0 {
		kinds++
		p.BitKind = BitsField
		p.BitStrings = bitEntries(yp.BitField)
	}
	if len(yp.Enum) > 0 {
		kinds++
		p.BitKind = BitsEnum
		p.BitStrings = bitEntries(yp.Enum)
	}
	if len(yp.PackedRegister) > 0 {
		kinds++
		p.BitKind = BitsPacked
		for _, child := range yp.PackedRegister {
			cp, err := buildPoint(comp, child)
			if err != nil {
				return nil, fmt.Errorf("packed child %s: %w", child.ID, err)
			}
			p.Packed = append(p.Packed, cp)
		}
	}
	if kinds > 1 {
		return nil, fmt.Errorf("point %s: bit-string kinds are mutually exclusive", yp.ID)
	}

	return p, nil
}

func bitEntries(in []yamlBitString) []BitEntry {
	out := make([]BitEntry, 0, len(in))
	for i, e := range in {
		entry := BitEntry{BitPos: i, Label: e.Label}
		if e.Value != nil {
			entry.Value = uint64(*e.Value)
		} else {
			entry.Value = uint64(i)
		}
		label := strings.TrimSpace(e.Label)
		switch {
		case strings.EqualFold(label, "ignore"), strings.EqualFold(label, "ignored"):
			entry.Class = BitIgnored
		case e.Known != nil && !*e.Known:
			entry.Class = BitUnknown
		case label == "":
			entry.Class = BitUnknown
		default:
			entry.Class = BitKnown
		}
		out = append(out, entry)
	}
	return out
}

// applySerialDefaults fills the standard RS-485/RS-232 line defaults for an
// RTU connection left unset in YAML.
func applySerialDefaults(conn *Connection) {
	if conn.BaudRate == 0 {
		conn.BaudRate = 9600
	}
	if conn.DataBits == 0 {
		conn.DataBits = 8
	}
	if conn.StopBits == 0 {
		conn.StopBits = 1
	}
	if conn.Parity == "" {
		conn.Parity = "N"
	}
}

func parseDurationOrMS(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
