package nacos

import "fmt"

// Discoverer 由 *Client 实现，测试中可替换
type Discoverer interface {
	DiscoverServiceInstance(serviceName string) (string, int, error)
}

// Resolver 把外部服务解析为基础 URL。
// 有 ServiceName 且配置了 Discoverer 时走服务发现，否则使用静态地址。
type Resolver struct {
	Discoverer  Discoverer
	ServiceName string
	StaticURL   string
	Scheme      string
}

// BaseURL 返回本次调用应使用的基础地址
func (r Resolver) BaseURL() (string, error) {
	if r.ServiceName != "" && r.Discoverer != nil {
		ip, port, err := r.Discoverer.DiscoverServiceInstance(r.ServiceName)
		if err != nil {
			if r.StaticURL != "" {
				return r.StaticURL, nil
			}
			return "", err
		}
		scheme := r.Scheme
		if scheme == "" {
			scheme = "http"
		}
		return fmt.Sprintf("%s://%s:%d", scheme, ip, port), nil
	}
	if r.StaticURL == "" {
		return "", fmt.Errorf("no endpoint configured for service %q", r.ServiceName)
	}
	return r.StaticURL, nil
}
