package main

import "k8s.io/klog/v2"

func main() {
	defer klog.Flush()
	Execute()
}
