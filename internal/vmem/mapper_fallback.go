//go:build !unix && !windows

package vmem

func newOSMapper() Mapper { return GoMapper{} }
