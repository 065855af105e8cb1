package ddop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ValidationError reports a structural defect found by Validate or a
// malformed record met during Deserialize.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return "pool validation: " + e.Detail }

func validationErr(format string, args ...any) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a pool validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Pool is one Device Descriptor Object Pool. It is mutated only while the
// owning client is disconnected; the client snapshots it before transfer.
type Pool struct {
	Devices       []Device
	Elements      []DeviceElement
	ProcessData   []ProcessData
	Properties    []Property
	Presentations []ValuePresentation

	nextID ObjectID
}

// New returns an empty pool. Object ids are assigned from 1; id 0 is kept
// free so a zero ParentID reads as "no parent".
func New() *Pool {
	return &Pool{nextID: 1}
}

func (p *Pool) claimID(id ObjectID) ObjectID {
	if id == 0 {
		id = p.nextID
	}
	if id >= p.nextID {
		p.nextID = id + 1
	}
	return id
}

// AddDevice inserts a device, assigning a fresh id when unset, and returns
// the id.
func (p *Pool) AddDevice(d Device) ObjectID {
	d.ID = p.claimID(d.ID)
	p.Devices = append(p.Devices, d)
	return d.ID
}

// AddElement inserts a device element, assigning a fresh id when unset.
func (p *Pool) AddElement(e DeviceElement) ObjectID {
	e.ID = p.claimID(e.ID)
	p.Elements = append(p.Elements, e)
	return e.ID
}

// AddProcessData inserts a process data descriptor, assigning a fresh id
// when unset.
func (p *Pool) AddProcessData(pd ProcessData) ObjectID {
	pd.ID = p.claimID(pd.ID)
	p.ProcessData = append(p.ProcessData, pd)
	return pd.ID
}

// AddProperty inserts a property, assigning a fresh id when unset.
func (p *Pool) AddProperty(prop Property) ObjectID {
	prop.ID = p.claimID(prop.ID)
	p.Properties = append(p.Properties, prop)
	return prop.ID
}

// AddPresentation inserts a value presentation, assigning a fresh id when
// unset.
func (p *Pool) AddPresentation(vp ValuePresentation) ObjectID {
	vp.ID = p.claimID(vp.ID)
	p.Presentations = append(p.Presentations, vp)
	return vp.ID
}

// ObjectCount returns the number of objects across all five collections.
func (p *Pool) ObjectCount() int {
	return len(p.Devices) + len(p.Elements) + len(p.ProcessData) +
		len(p.Properties) + len(p.Presentations)
}

// FindElement returns the device element with the given 0-based element
// number.
func (p *Pool) FindElement(number ElementNumber) (DeviceElement, bool) {
	for _, e := range p.Elements {
		if e.Number == number {
			return e, true
		}
	}
	return DeviceElement{}, false
}

func (p *Pool) objectExists(id ObjectID) bool {
	for _, d := range p.Devices {
		if d.ID == id {
			return true
		}
	}
	for _, e := range p.Elements {
		if e.ID == id {
			return true
		}
	}
	for _, pd := range p.ProcessData {
		if pd.ID == id {
			return true
		}
	}
	for _, prop := range p.Properties {
		if prop.ID == id {
			return true
		}
	}
	for _, vp := range p.Presentations {
		if vp.ID == id {
			return true
		}
	}
	return false
}

func (p *Pool) presentationExists(id ObjectID) bool {
	for _, vp := range p.Presentations {
		if vp.ID == id {
			return true
		}
	}
	return false
}

func presentationSet(id ObjectID) bool { return id != 0 && id != NoObject }

// Validate checks the structural integrity of the pool: at least one device
// and one element, and every parent, child and presentation reference
// resolving inside the pool.
func (p *Pool) Validate() error {
	if len(p.Devices) == 0 {
		return validationErr("pool must contain at least one device")
	}
	if len(p.Elements) == 0 {
		return validationErr("pool must contain at least one device element")
	}
	for _, e := range p.Elements {
		if e.ParentID != 0 && !p.objectExists(e.ParentID) {
			return validationErr("element %d references missing parent %d", e.ID, e.ParentID)
		}
		for _, child := range e.Children {
			if !p.objectExists(child) {
				return validationErr("element %d references missing child %d", e.ID, child)
			}
		}
	}
	for _, pd := range p.ProcessData {
		if presentationSet(pd.PresentationID) && !p.presentationExists(pd.PresentationID) {
			return validationErr("process data %d references missing presentation %d", pd.ID, pd.PresentationID)
		}
	}
	for _, prop := range p.Properties {
		if presentationSet(prop.PresentationID) && !p.presentationExists(prop.PresentationID) {
			return validationErr("property %d references missing presentation %d", prop.ID, prop.PresentationID)
		}
	}
	return nil
}

// ─── Binary encoding ────────────────────────────────────────────────────────

// Serialize emits the pool as a concatenation of type-tagged records, in
// collection order. All multi-byte integers are little-endian and the
// presentation scale is IEEE 754 little-endian.
func (p *Pool) Serialize() []byte {
	var out []byte
	for _, d := range p.Devices {
		out = append(out, byte(TypeDevice))
		out = appendU16(out, d.ID)
		out = appendStr(out, d.Designator)
		out = appendStr(out, d.SoftwareVersion)
		out = appendStr(out, d.SerialNumber)
		out = append(out, d.StructureLabel[:]...)
		out = append(out, d.LocalizationLabel[:]...)
	}
	for _, e := range p.Elements {
		out = append(out, byte(TypeDeviceElement))
		out = appendU16(out, e.ID)
		out = append(out, byte(e.Type))
		out = appendStr(out, e.Designator)
		out = appendU16(out, e.Number)
		out = appendU16(out, e.ParentID)
		out = appendU16(out, uint16(len(e.Children)))
		for _, child := range e.Children {
			out = appendU16(out, child)
		}
	}
	for _, pd := range p.ProcessData {
		out = append(out, byte(TypeProcessData))
		out = appendU16(out, pd.ID)
		out = appendU16(out, pd.DDI)
		out = append(out, byte(pd.Triggers))
		out = appendU16(out, pd.PresentationID)
		out = appendStr(out, pd.Designator)
	}
	for _, prop := range p.Properties {
		out = append(out, byte(TypeProperty))
		out = appendU16(out, prop.ID)
		out = appendU16(out, prop.DDI)
		out = appendU32(out, uint32(prop.Value))
		out = appendU16(out, prop.PresentationID)
		out = appendStr(out, prop.Designator)
	}
	for _, vp := range p.Presentations {
		out = append(out, byte(TypeValuePresentation))
		out = appendU16(out, vp.ID)
		out = appendU32(out, uint32(vp.Offset))
		out = appendU32(out, math.Float32bits(vp.Scale))
		out = append(out, vp.Decimals)
		out = appendStr(out, vp.Unit)
	}
	return out
}

// Deserialize parses a binary pool. It always builds a fresh pool; records
// it does not recognize fail the parse.
func Deserialize(data []byte) (*Pool, error) {
	p := New()
	r := &reader{data: data}

	for !r.done() {
		tag, err := r.u8()
		if err != nil {
			return nil, err
		}
		id, err := r.u16()
		if err != nil {
			return nil, err
		}

		switch ObjectType(tag) {
		case TypeDevice:
			d := Device{ID: id}
			if d.Designator, err = r.str(); err != nil {
				return nil, err
			}
			if d.SoftwareVersion, err = r.str(); err != nil {
				return nil, err
			}
			if d.SerialNumber, err = r.str(); err != nil {
				return nil, err
			}
			if err = r.bytes(d.StructureLabel[:]); err != nil {
				return nil, err
			}
			if err = r.bytes(d.LocalizationLabel[:]); err != nil {
				return nil, err
			}
			p.Devices = append(p.Devices, d)

		case TypeDeviceElement:
			e := DeviceElement{ID: id}
			var kind uint8
			if kind, err = r.u8(); err != nil {
				return nil, err
			}
			e.Type = ElementType(kind)
			if e.Designator, err = r.str(); err != nil {
				return nil, err
			}
			if e.Number, err = r.u16(); err != nil {
				return nil, err
			}
			if e.ParentID, err = r.u16(); err != nil {
				return nil, err
			}
			var n uint16
			if n, err = r.u16(); err != nil {
				return nil, err
			}
			for i := uint16(0); i < n; i++ {
				var child ObjectID
				if child, err = r.u16(); err != nil {
					return nil, err
				}
				e.Children = append(e.Children, child)
			}
			p.Elements = append(p.Elements, e)

		case TypeProcessData:
			pd := ProcessData{ID: id}
			if pd.DDI, err = r.u16(); err != nil {
				return nil, err
			}
			var trig uint8
			if trig, err = r.u8(); err != nil {
				return nil, err
			}
			pd.Triggers = TriggerMethod(trig)
			if pd.PresentationID, err = r.u16(); err != nil {
				return nil, err
			}
			if pd.Designator, err = r.str(); err != nil {
				return nil, err
			}
			p.ProcessData = append(p.ProcessData, pd)

		case TypeProperty:
			prop := Property{ID: id}
			if prop.DDI, err = r.u16(); err != nil {
				return nil, err
			}
			var v uint32
			if v, err = r.u32(); err != nil {
				return nil, err
			}
			prop.Value = int32(v)
			if prop.PresentationID, err = r.u16(); err != nil {
				return nil, err
			}
			if prop.Designator, err = r.str(); err != nil {
				return nil, err
			}
			p.Properties = append(p.Properties, prop)

		case TypeValuePresentation:
			vp := ValuePresentation{ID: id}
			var v uint32
			if v, err = r.u32(); err != nil {
				return nil, err
			}
			vp.Offset = int32(v)
			if v, err = r.u32(); err != nil {
				return nil, err
			}
			vp.Scale = math.Float32frombits(v)
			if vp.Decimals, err = r.u8(); err != nil {
				return nil, err
			}
			if vp.Unit, err = r.str(); err != nil {
				return nil, err
			}
			p.Presentations = append(p.Presentations, vp)

		default:
			return nil, validationErr("unknown object type %d at offset %d", tag, r.pos-3)
		}

		if id >= p.nextID {
			p.nextID = id + 1
		}
	}
	return p, nil
}

// ─── Byte-level helpers ─────────────────────────────────────────────────────

func appendU16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendStr(b []byte, s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	b = append(b, uint8(len(s)))
	return append(b, s...)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) done() bool { return r.pos >= len(r.data) }

func (r *reader) u8() (uint8, error) {
	if r.pos+1 > len(r.data) {
		return 0, validationErr("truncated record at offset %d", r.pos)
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, validationErr("truncated record at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, validationErr("truncated record at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.data) {
		return "", validationErr("truncated string at offset %d", r.pos)
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) bytes(dst []byte) error {
	if r.pos+len(dst) > len(r.data) {
		return validationErr("truncated record at offset %d", r.pos)
	}
	copy(dst, r.data[r.pos:])
	r.pos += len(dst)
	return nil
}
