// Copyright 2024 Google LLC
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

package cfg

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/overlayfs/overlay/internal/config"
	"github.com/overlayfs/overlay/internal/util"
)

func hookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		switch t {
		case reflect.TypeOf(LogSeverity("")):
			level := strings.ToUpper(s)
			if config.Rank(level) < 0 {
				return nil, fmt.Errorf("invalid logseverity: %s", s)
			}
			return level, nil
		case reflect.TypeOf(CaseSensitivity("")):
			v := strings.ToLower(s)
			if !slices.Contains([]string{string(CaseSensitive), string(CaseInsensitive)}, v) {
				return nil, fmt.Errorf("invalid case-sensitive value: %s", s)
			}
			return v, nil
		case reflect.TypeOf(CatalogVariant("")):
			v := strings.ToLower(s)
			all := []string{string(CatalogTable), string(CatalogFilesystem), string(CatalogInMemory)}
			if !slices.Contains(all, v) {
				return nil, fmt.Errorf("invalid catalog-variant value: %s", s)
			}
			return v, nil
		case reflect.TypeOf(ResolvedPath("")):
			return util.GetResolvedPath(s)
		default:
			return data, nil
		}
	}
}

// DecodeHook returns the mapstructure decode hook used to translate the
// config file / flag string values into the typed Config fields above.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
