// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package integration

import (
	"encoding/json"

	"github.com/quiverops/quiver/pkg/errors"
)

// Reader modes. A required parameter that is absent fails with
// MissingParameterError; an optional one reports ok=false. A parameter
// that is present with the wrong type fails in either mode.
const (
	required = true
	optional = false
)

// params reads typed values out of a resolved parameter map. The
// integration and api tags only feed error messages.
type params struct {
	integration string
	api         string
	values      map[string]interface{}
}

func (p params) stringParam(name string, req bool) (string, bool, error) {
	raw, ok := p.values[name]
	if !ok || raw == nil {
		return "", false, p.missing(name, req)
	}
	s, ok := raw.(string)
	if !ok {
		return "", false, p.wrongType(name, "string")
	}
	return s, true, nil
}

func (p params) numberParam(name string, req bool) (float64, bool, error) {
	raw, ok := p.values[name]
	if !ok || raw == nil {
		return 0, false, p.missing(name, req)
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false, p.wrongType(name, "number")
		}
		return f, true, nil
	default:
		return 0, false, p.wrongType(name, "number")
	}
}

func (p params) boolParam(name string, req bool) (bool, bool, error) {
	raw, ok := p.values[name]
	if !ok || raw == nil {
		return false, false, p.missing(name, req)
	}
	b, ok := raw.(bool)
	if !ok {
		return false, false, p.wrongType(name, "bool")
	}
	return b, true, nil
}

func (p params) objectParam(name string, req bool) (map[string]interface{}, bool, error) {
	raw, ok := p.values[name]
	if !ok || raw == nil {
		return nil, false, p.missing(name, req)
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, false, p.wrongType(name, "object")
	}
	return m, true, nil
}

func (p params) missing(name string, req bool) error {
	if !req {
		return nil
	}
	return &errors.MissingParameterError{
		Integration: p.integration,
		API:         p.api,
		Parameter:   name,
	}
}

func (p params) wrongType(name, want string) error {
	return &errors.ParameterTypeError{
		Integration: p.integration,
		API:         p.api,
		Parameter:   name,
		Want:        want,
	}
}
