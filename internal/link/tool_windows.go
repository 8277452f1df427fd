//go:build windows

package link

const lldExecutable = "lld.exe"
