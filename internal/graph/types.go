// Copyright 2025 Tom Barlow
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

// Package graph models the deployment graph: nodes, typed payloads, edges,
// and the fixed connection-inference rule table used to derive edges
// between freshly generated nodes.
package graph

import "time"

// Type is the closed set of graph kinds a Graph may carry.
type Type string

const (
	TypeMicroservice   Type = "MICROSERVICE"
	TypeKubernetes     Type = "KUBERNETES"
	TypeInfrastructure Type = "INFRASTRUCTURE"
	TypeAbstract       Type = "ABSTRACT"
	TypeDebugging      Type = "DEBUGGING"
)

// NodeType is the closed enumeration of node kinds: Kubernetes primitives,
// higher-level infrastructure concepts, and external dependencies.
type NodeType string

const (
	NodeTypePod                   NodeType = "POD"
	NodeTypeService               NodeType = "SERVICE"
	NodeTypeDeployment            NodeType = "DEPLOYMENT"
	NodeTypeStatefulSet           NodeType = "STATEFUL_SET"
	NodeTypeDaemonSet             NodeType = "DAEMON_SET"
	NodeTypeReplicaSet            NodeType = "REPLICA_SET"
	NodeTypeJob                   NodeType = "JOB"
	NodeTypeCronJob               NodeType = "CRON_JOB"
	NodeTypeConfigMap             NodeType = "CONFIG_MAP"
	NodeTypeSecret                NodeType = "SECRET"
	NodeTypeIngress               NodeType = "INGRESS"
	NodeTypePersistentVolumeClaim NodeType = "PERSISTENT_VOLUME_CLAIM"
	NodeTypeNamespace             NodeType = "NAMESPACE"
	NodeTypeServiceAccount        NodeType = "SERVICE_ACCOUNT"
	NodeTypeNetworkPolicy         NodeType = "NETWORK_POLICY"

	NodeTypeMicroservice       NodeType = "MICROSERVICE"
	NodeTypeDatabase           NodeType = "DATABASE"
	NodeTypeCache              NodeType = "CACHE"
	NodeTypeMessageQueue       NodeType = "MESSAGE_QUEUE"
	NodeTypeProxy              NodeType = "PROXY"
	NodeTypeLoadBalancer       NodeType = "LOAD_BALANCER"
	NodeTypeMonitoring         NodeType = "MONITORING"
	NodeTypeGateway            NodeType = "GATEWAY"
	NodeTypeExternalDependency NodeType = "EXTERNAL_DEPENDENCY"
)

// ConnectionType is the closed enumeration of edge kinds. Only the variants
// exercised by the rule table (rules.go) and the scenarios in spec.md §8
// are enumerated by name; the type itself admits any string so that an LLM
// completion or a rule addition doesn't require a code change.
type ConnectionType string

const (
	ConnManages                  ConnectionType = "MANAGES"
	ConnServiceExposesPod        ConnectionType = "SERVICE_EXPOSES_POD"
	ConnIngressRoutesToService   ConnectionType = "INGRESS_ROUTES_TO_SERVICE"
	ConnDeploymentCreatesReplicaSet ConnectionType = "DEPLOYMENT_CREATES_REPLICASET"
	ConnReplicaSetManagesPod     ConnectionType = "REPLICASET_MANAGES_POD"
	ConnConfigMapMountedBy       ConnectionType = "CONFIGMAP_MOUNTED_BY"
	ConnSecretMountedBy          ConnectionType = "SECRET_MOUNTED_BY"
	ConnServiceAccountUsedBy     ConnectionType = "SERVICE_ACCOUNT_USED_BY"
	ConnNetworkPolicyAppliesTo   ConnectionType = "NETWORK_POLICY_APPLIES_TO"
	ConnPVCMountedBy             ConnectionType = "PVC_MOUNTED_BY"

	ConnMicroserviceDependsOn       ConnectionType = "MICROSERVICE_DEPENDS_ON"
	ConnMicroserviceUsesDatabase    ConnectionType = "MICROSERVICE_USES_DATABASE"
	ConnMicroserviceUsesCache       ConnectionType = "MICROSERVICE_USES_CACHE"
	ConnMicroservicePublishesTo     ConnectionType = "MICROSERVICE_PUBLISHES_TO"
	ConnMicroserviceSubscribesTo    ConnectionType = "MICROSERVICE_SUBSCRIBES_TO"
	ConnGatewayRoutesTo             ConnectionType = "GATEWAY_ROUTES_TO"
	ConnProxyForwardsTo             ConnectionType = "PROXY_FORWARDS_TO"
	ConnLoadBalancerDistributesTo   ConnectionType = "LOAD_BALANCER_DISTRIBUTES_TO"
	ConnMonitoringScrapes           ConnectionType = "MONITORING_SCRAPES"
	ConnMicroserviceDependsOnExternal ConnectionType = "MICROSERVICE_DEPENDS_ON_EXTERNAL"
)

// NodePayload is the tagged-union interface for domain configuration
// attached to a node, selected by NodeType at decode time.
type NodePayload interface {
	payloadType() NodeType
}

// MicroservicePayload carries container-level configuration for a
// NodeTypeMicroservice node.
type MicroservicePayload struct {
	Image    string            `json:"image"`
	Ports    []int             `json:"ports,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Replicas int               `json:"replicas,omitempty"`
}

func (MicroservicePayload) payloadType() NodeType { return NodeTypeMicroservice }

// DatabasePayload carries engine configuration for a NodeTypeDatabase node.
type DatabasePayload struct {
	Engine    string `json:"engine"`
	Version   string `json:"version,omitempty"`
	StorageGB int     `json:"storage_gb,omitempty"`
	TLS       bool    `json:"tls,omitempty"`
}

func (DatabasePayload) payloadType() NodeType { return NodeTypeDatabase }

// CachePayload carries engine configuration for a NodeTypeCache node.
type CachePayload struct {
	Engine      string `json:"engine"`
	Version     string `json:"version,omitempty"`
	MaxMemoryMB int    `json:"max_memory_mb,omitempty"`
}

func (CachePayload) payloadType() NodeType { return NodeTypeCache }

// MessageQueuePayload carries engine configuration for a
// NodeTypeMessageQueue node.
type MessageQueuePayload struct {
	Engine  string   `json:"engine"`
	Version string   `json:"version,omitempty"`
	Topics  []string `json:"topics,omitempty"`
}

func (MessageQueuePayload) payloadType() NodeType { return NodeTypeMessageQueue }

// GatewayPayload carries routing configuration for a NodeTypeGateway node.
type GatewayPayload struct {
	Routes []string `json:"routes,omitempty"`
	TLS    bool     `json:"tls,omitempty"`
}

func (GatewayPayload) payloadType() NodeType { return NodeTypeGateway }

// MonitoringPayload carries scrape configuration for a NodeTypeMonitoring
// node.
type MonitoringPayload struct {
	Engine        string `json:"engine"`
	ScrapeInterval string `json:"scrape_interval,omitempty"`
}

func (MonitoringPayload) payloadType() NodeType { return NodeTypeMonitoring }

// GenericPayload is the catch-all payload for node types with no dedicated
// struct (Kubernetes primitives, external dependencies, ...).
type GenericPayload struct {
	Attrs map[string]any `json:"attrs,omitempty"`
}

func (GenericPayload) payloadType() NodeType { return "" }

// Edge is a unidirectional connection from the owning node to TargetNode.
// Bidirectional relationships are represented as two edges.
type Edge struct {
	ConnectionType ConnectionType `json:"connection_type"`
	TargetNode     string         `json:"target_node"`
}

// Node is a single vertex in a Graph.
type Node struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	NodeType  NodeType       `json:"node_type"`
	Namespace string         `json:"namespace,omitempty"`
	Spec      map[string]any `json:"spec,omitempty"`
	Edges     []Edge         `json:"edges"`
	Payload   NodePayload    `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// Bridge references a node in another graph, letting an edge's target
// resolve outside the owning graph.
type Bridge struct {
	GraphID string `json:"graph_id"`
	NodeID  string `json:"node_id"`
}

// Graph is a named container of Nodes owned by (CompanyID, UserID).
type Graph struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	GraphType   Type     `json:"graph_type"`
	CompanyID   string   `json:"company_id"`
	UserID      string   `json:"user_id"`
	Nodes       []Node   `json:"nodes"`
	Bridges     []Bridge `json:"bridges,omitempty"`

	// ContextEmbedding, when present, is preferred over averaging node
	// embeddings when building RAG context for codegen (spec.md 4.G.3.b).
	ContextEmbedding []float64 `json:"context_embedding,omitempty"`
}

// NodeByID returns the node with the given id, if present.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// ConnectionRule is a single row of the fixed edge-inference table:
// "whenever a SourceType node and a TargetType node coexist in a graph and
// aren't already linked by ConnectionType, add that edge (and its reverse,
// if Bidirectional)".
type ConnectionRule struct {
	SourceType     NodeType
	TargetType     NodeType
	ConnectionType ConnectionType
	Bidirectional  bool
}
