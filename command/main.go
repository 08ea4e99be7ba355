package main

import (
	"flag"

	"github.com/childe/metacache"
	"github.com/childe/metacache/command/cmd"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(flag.CommandLine)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	flag.Parse()

	defer klog.Flush()
	metacache.SetLogger(klog.NewKlogr())

	cmd.Execute()
}
