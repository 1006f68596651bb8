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

package graph

// DefaultRules is the fixed connection-inference table consulted by
// BuildGraphEdges. It is intentionally small and explicit per spec.md's
// Non-goal that this system not reason about Kubernetes semantics beyond a
// fixed rule table.
var DefaultRules = []ConnectionRule{
	{SourceType: NodeTypeService, TargetType: NodeTypeDeployment, ConnectionType: ConnServiceExposesPod},
	{SourceType: NodeTypeIngress, TargetType: NodeTypeService, ConnectionType: ConnIngressRoutesToService},
	{SourceType: NodeTypeDeployment, TargetType: NodeTypeReplicaSet, ConnectionType: ConnDeploymentCreatesReplicaSet},
	{SourceType: NodeTypeReplicaSet, TargetType: NodeTypePod, ConnectionType: ConnReplicaSetManagesPod},
	{SourceType: NodeTypeConfigMap, TargetType: NodeTypeDeployment, ConnectionType: ConnConfigMapMountedBy},
	{SourceType: NodeTypeSecret, TargetType: NodeTypeDeployment, ConnectionType: ConnSecretMountedBy},
	{SourceType: NodeTypeServiceAccount, TargetType: NodeTypeDeployment, ConnectionType: ConnServiceAccountUsedBy},
	{SourceType: NodeTypeNetworkPolicy, TargetType: NodeTypeDeployment, ConnectionType: ConnNetworkPolicyAppliesTo},
	{SourceType: NodeTypePersistentVolumeClaim, TargetType: NodeTypeDeployment, ConnectionType: ConnPVCMountedBy},

	{SourceType: NodeTypeMicroservice, TargetType: NodeTypeDatabase, ConnectionType: ConnMicroserviceUsesDatabase},
	{SourceType: NodeTypeMicroservice, TargetType: NodeTypeCache, ConnectionType: ConnMicroserviceUsesCache},
	{SourceType: NodeTypeMicroservice, TargetType: NodeTypeMessageQueue, ConnectionType: ConnMicroservicePublishesTo},
	{SourceType: NodeTypeMessageQueue, TargetType: NodeTypeMicroservice, ConnectionType: ConnMicroserviceSubscribesTo},
	{SourceType: NodeTypeGateway, TargetType: NodeTypeMicroservice, ConnectionType: ConnGatewayRoutesTo},
	{SourceType: NodeTypeProxy, TargetType: NodeTypeMicroservice, ConnectionType: ConnProxyForwardsTo},
	{SourceType: NodeTypeLoadBalancer, TargetType: NodeTypeMicroservice, ConnectionType: ConnLoadBalancerDistributesTo},
	{SourceType: NodeTypeMonitoring, TargetType: NodeTypeMicroservice, ConnectionType: ConnMonitoringScrapes, Bidirectional: false},
	{SourceType: NodeTypeMicroservice, TargetType: NodeTypeExternalDependency, ConnectionType: ConnMicroserviceDependsOnExternal},
}
