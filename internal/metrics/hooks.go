package metrics

// Sources label the side of the proxy that a connection-level metric describes.
const (
	SourceClient   = "client"
	SourceUpstream = "upstream"
)

// Hooks bundles every hook consumed by the proxy.
type Hooks struct {
	ClientLifecycle   ConnectionLifecycleHook
	UpstreamLifecycle ConnectionLifecycleHook
	ClientIO          ConnectionIOHook
	UpstreamIO        ConnectionIOHook
	Proxy             ProxyHook
}

// NewNoopHooks creates a bundle of hooks that discard every emission.
func NewNoopHooks() Hooks {
	return Hooks{
		ClientLifecycle:   NewNoopConnectionLifecycleHook(),
		UpstreamLifecycle: NewNoopConnectionLifecycleHook(),
		ClientIO:          NewNoopConnectionIOHook(),
		UpstreamIO:        NewNoopConnectionIOHook(),
		Proxy:             NewNoopProxyHook(),
	}
}

// NewStatsdHooks creates a bundle of hooks emitting asynchronously through a single statsd client.
func NewStatsdHooks(client *StatsdClient) Hooks {
	return Hooks{
		ClientLifecycle:   NewAsyncStatsdConnectionLifecycleHook(SourceClient, client),
		UpstreamLifecycle: NewAsyncStatsdConnectionLifecycleHook(SourceUpstream, client),
		ClientIO:          NewAsyncStatsdConnectionIOHook(SourceClient, client),
		UpstreamIO:        NewAsyncStatsdConnectionIOHook(SourceUpstream, client),
		Proxy:             NewAsyncStatsdProxyHook(client),
	}
}

// Hooks creates a bundle of hooks recording into the registry.
func (p *PrometheusRegistry) Hooks() Hooks {
	return Hooks{
		ClientLifecycle:   p.ConnectionLifecycleHook(SourceClient),
		UpstreamLifecycle: p.ConnectionLifecycleHook(SourceUpstream),
		ClientIO:          p.ConnectionIOHook(SourceClient),
		UpstreamIO:        p.ConnectionIOHook(SourceUpstream),
		Proxy:             p.ProxyHook(),
	}
}

// CombineHooks merges several bundles into one that emits to all of them. With no bundles it
// returns noop hooks; a single bundle is returned as is.
func CombineHooks(bundles ...Hooks) Hooks {
	switch len(bundles) {
	case 0:
		return NewNoopHooks()
	case 1:
		return bundles[0]
	}

	var combined struct {
		clientLifecycle, upstreamLifecycle MultiConnectionLifecycleHook
		clientIO, upstreamIO               MultiConnectionIOHook
		proxy                              MultiProxyHook
	}

	for _, b := range bundles {
		combined.clientLifecycle = append(combined.clientLifecycle, b.ClientLifecycle)
		combined.upstreamLifecycle = append(combined.upstreamLifecycle, b.UpstreamLifecycle)
		combined.clientIO = append(combined.clientIO, b.ClientIO)
		combined.upstreamIO = append(combined.upstreamIO, b.UpstreamIO)
		combined.proxy = append(combined.proxy, b.Proxy)
	}

	return Hooks{
		ClientLifecycle:   combined.clientLifecycle,
		UpstreamLifecycle: combined.upstreamLifecycle,
		ClientIO:          combined.clientIO,
		UpstreamIO:        combined.upstreamIO,
		Proxy:             combined.proxy,
	}
}
