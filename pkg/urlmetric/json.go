package urlmetric

import "encoding/json"

// UnmarshalJSON decodes a stored record. It does not validate; unknown keys are
// kept in Extra so that records written with extensions survive a round trip.
func (m *URLMetric) UnmarshalJSON(data []byte) error {
	type plain URLMetric
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = URLMetric(p)
	m.Extra = extraKeys(raw, rootCoreKeys)
	m.adopt()
	return nil
}

// MarshalJSON encodes the record with its extension properties inlined.
func (m URLMetric) MarshalJSON() ([]byte, error) {
	type plain URLMetric
	p := plain(m)
	if p.Elements == nil {
		p.Elements = []*Element{}
	}
	return marshalWithExtra(p, m.Extra)
}

// UnmarshalJSON decodes an element, keeping unknown keys in Extra.
func (e *Element) UnmarshalJSON(data []byte) error {
	type plain Element
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Element(p)
	e.Extra = extraKeys(raw, elementCoreKeys)
	return nil
}

// MarshalJSON encodes the element with its extension properties inlined.
func (e Element) MarshalJSON() ([]byte, error) {
	type plain Element
	return marshalWithExtra(plain(e), e.Extra)
}

func extraKeys(raw map[string]json.RawMessage, core map[string]bool) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if core[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra
}

func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, core := obj[k]; !core {
			obj[k] = val
		}
	}
	return json.Marshal(obj)
}
