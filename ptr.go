package inngestgo

// Ptr returns a pointer to v, useful for inline construction of options
// structs that take optional pointer fields.
func Ptr[T any](v T) *T { return &v }

// StrPtr returns a pointer to a string.
func StrPtr(v string) *string { return &v }

// IntPtr returns a pointer to an int.
func IntPtr(v int) *int { return &v }

// BoolPtr returns a pointer to a bool.
func BoolPtr(v bool) *bool { return &v }
