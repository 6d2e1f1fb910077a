package stages

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/qhub-dev/qhubctl/internal/keycloak"
	"github.com/qhub-dev/qhubctl/internal/kube"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
)

var loadBalancerPorts = []string{"80", "443"}

func (c *catalog) checkCluster(_ context.Context, cc pipeline.CheckContext) error {
	v, err := cc.Outputs.Value(Infrastructure, "kubernetes_credentials")
	if err != nil {
		return err
	}
	creds, err := kube.ParseCredentials(v)
	if err != nil {
		return err
	}
	cs, err := c.opts.Clientset(creds)
	if err != nil {
		return err
	}
	version, err := kube.ServerVersion(cs)
	if err != nil {
		return fmt.Errorf("cluster is not reachable: %w", err)
	}
	cc.Logger.Info("cluster reachable", "version", version)
	return nil
}

func (c *catalog) checkNamespace(ctx context.Context, cc pipeline.CheckContext) error {
	path := cc.Env["KUBECONFIG"]
	if path == "" {
		return errors.New("no cluster access is active")
	}
	cs, err := c.opts.KubeconfigClientset(path, cc.Env["KUBE_CTX"])
	if err != nil {
		return err
	}
	ok, err := kube.NamespaceExists(ctx, cs, cc.Config.Namespace)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("namespace %s does not exist", cc.Config.Namespace)
	}
	cc.Logger.Info("namespace present", "namespace", cc.Config.Namespace)
	return nil
}

// loadBalancerHost accepts the ingress endpoint as a plain address or as an
// object carrying an ip or hostname.
func loadBalancerHost(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if x != "" {
			return x, nil
		}
	case map[string]any:
		for _, key := range []string{"ip", "hostname"} {
			if s, _ := x[key].(string); s != "" {
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("load balancer address: unexpected value %v", v)
}

func (c *catalog) checkLoadBalancer(ctx context.Context, cc pipeline.CheckContext) error {
	v, err := cc.Outputs.Value(KubernetesIngress, "load_balancer_address")
	if err != nil {
		return err
	}
	host, err := loadBalancerHost(v)
	if err != nil {
		return err
	}
	for _, port := range loadBalancerPorts {
		addr := net.JoinHostPort(host, port)
		attempt := 0
		op := func() error {
			attempt++
			conn, err := c.opts.Dial(ctx, "tcp", addr)
			if err != nil {
				cc.Logger.Debug("load balancer not reachable yet", "address", addr, "attempt", attempt, "error", err)
				return err
			}
			return conn.Close()
		}
		if err := backoff.Retry(op, backoff.WithContext(c.opts.Backoff(), ctx)); err != nil {
			return fmt.Errorf("load balancer %s is not reachable: %w", addr, err)
		}
	}
	cc.Logger.Info("load balancer reachable", "host", host)
	return nil
}

func (c *catalog) checkKeycloak(ctx context.Context, cc pipeline.CheckContext) error {
	v, err := cc.Outputs.Value(KubernetesKeycloak, "keycloak_credentials")
	if err != nil {
		return err
	}
	creds, err := keycloak.ParseCredentials(v)
	if err != nil {
		return err
	}
	client := keycloak.NewClient(creds, c.keycloakOptions()...)
	if err := client.Ping(ctx); err != nil {
		return err
	}
	if err := client.Login(ctx); err != nil {
		return err
	}
	cc.Logger.Info("keycloak reachable", "url", creds.URL)
	return client.Logout(ctx)
}

func (c *catalog) checkRealm(ctx context.Context, cc pipeline.CheckContext) error {
	realm, err := realmID(cc.Outputs)
	if err != nil {
		return err
	}
	creds, err := keycloak.CredentialsFromEnv(cc.Env)
	if err != nil {
		return err
	}
	client := keycloak.NewClient(creds, c.keycloakOptions()...)
	if err := client.Login(ctx); err != nil {
		return err
	}
	defer func() {
		if err := client.Logout(context.WithoutCancel(ctx)); err != nil {
			cc.Logger.Warn("keycloak logout failed", "error", err)
		}
	}()
	ok, err := client.RealmExists(ctx, realm)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("realm %s does not exist", realm)
	}
	cc.Logger.Info("realm present", "realm", realm)
	return nil
}

func (c *catalog) httpClient() *retryablehttp.Client {
	hc := retryablehttp.NewClient()
	hc.Logger = c.opts.Logger
	hc.RetryMax = c.opts.HTTPRetryMax
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 10 * time.Second
	if c.insecure {
		if t, ok := hc.HTTPClient.Transport.(*http.Transport); ok {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
	}
	return hc
}

func (c *catalog) checkServices(ctx context.Context, cc pipeline.CheckContext) error {
	v, err := cc.Outputs.Value(KubernetesServices, "service_urls")
	if err != nil {
		return err
	}
	services, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("service_urls: expected an object, got %T", v)
	}
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	hc := c.httpClient()
	var errs []error
	for _, name := range names {
		entry, _ := services[name].(map[string]any)
		target, _ := entry["health_url"].(string)
		if target == "" {
			continue
		}
		if err := probe(ctx, hc, target); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", name, err))
			continue
		}
		cc.Logger.Info("service healthy", "service", name, "url", target)
	}
	return errors.Join(errs...)
}

func probe(ctx context.Context, hc *retryablehttp.Client, target string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s returned status %d", target, resp.StatusCode)
	}
	return nil
}
