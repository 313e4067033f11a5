package quince

import (
	"github.com/evergreen-ci/quince/pipeline"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// OptionsFromMap decodes options from an untyped map, such as one
// parsed from JSON. Keys use the same names as the original option
// objects: castIds, rawCursor, returnOriginal, etc.
func OptionsFromMap(in map[string]any) (*Options, error) {
	opts := &Options{}
	if len(in) == 0 {
		return opts, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           opts,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building options decoder")
	}
	if err = decoder.Decode(in); err != nil {
		return nil, errors.Wrap(err, "decoding options")
	}

	return opts, nil
}

// callOptions merges the options passed to a single call. Later
// arguments take precedence over earlier ones.
func callOptions(opts []*Options) *Options {
	layers := make([]*Options, 0, len(opts))
	for i := len(opts) - 1; i >= 0; i-- {
		if opts[i] != nil {
			layers = append(layers, opts[i])
		}
	}
	out := pipeline.MergeOptions(layers...)
	for _, o := range layers {
		if out.Callback == nil {
			out.Callback = o.Callback
		}
		if out.Each == nil {
			out.Each = o.Each
		}
	}
	return out
}
