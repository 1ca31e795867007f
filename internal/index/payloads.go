package index

// NewDescriptor packs an index payload for persistence.
func NewDescriptor(column string, kind Kind, builtAt uint64, params IVFParams, payload any) (*Descriptor, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		Meta: Meta{
			Column:         column,
			Kind:           kind,
			State:          StateReady,
			BuiltAtVersion: builtAt,
			Params:         params,
		},
		Payload: raw,
	}, nil
}

// Scalar decodes the scalar payload.
func (d *Descriptor) Scalar() (*ScalarIndex, error) {
	var idx ScalarIndex
	if err := unmarshalPayload(d.Payload, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// Bitmap decodes the bitmap payload.
func (d *Descriptor) Bitmap() (*BitmapIndex, error) {
	var idx BitmapIndex
	if err := unmarshalPayload(d.Payload, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// FTS decodes the full-text payload.
func (d *Descriptor) FTS() (*FTSIndex, error) {
	var idx FTSIndex
	if err := unmarshalPayload(d.Payload, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// IVF decodes the vector payload.
func (d *Descriptor) IVF() (*IVFIndex, error) {
	var idx IVFIndex
	if err := unmarshalPayload(d.Payload, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}
