// Package codec defines the CertificationService wire contract and a client
// for it. Messages are protobuf well-known types: google.protobuf.Empty for
// no-argument calls, wrapper values for scalars and google.protobuf.Struct
// for JSON-shaped records, so no generated code is needed on either side.
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// #region service-names
const ServiceName = "navcert.v1.CertificationService"

const (
	MethodGetCertificate         = "GetCertificate"
	MethodIsCertifiedSafe        = "IsCertifiedSafe"
	MethodEvaluate               = "Evaluate"
	MethodGetCurrentMargin       = "GetCurrentMargin"
	MethodGetFailureRateEstimate = "GetFailureRateEstimate"
	MethodGetConfidence          = "GetConfidence"
	MethodGetEstimate            = "GetEstimate"
	MethodTriggerLockdown        = "TriggerLockdown"
	MethodReleaseLockdown        = "ReleaseLockdown"
	MethodIsLockedDown           = "IsLockedDown"
	MethodReportCollision        = "ReportCollision"
	MethodResetRigor             = "ResetRigor"
	MethodPublishState           = "PublishState"
)

// FullMethod returns the gRPC path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// #endregion service-names

// #region struct-conversion

// ToStruct converts a JSON-tagged Go value into a Struct through its JSON
// form. Non-finite floats are rejected by encoding/json.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %T as object: %w", v, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct for %T: %w", v, err)
	}
	return s, nil
}

// FromStruct decodes s into the JSON-tagged value pointed to by out.
func FromStruct(s *structpb.Struct, out any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode into %T: %w", out, err)
	}
	return nil
}

// #endregion struct-conversion
